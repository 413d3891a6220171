package render

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"feedwatch/internal/model"
	"feedwatch/pkg/logx"
)

// Posts resolves the post being rendered, fetching it when unknown.
type Posts interface {
	PostOrFetch(ctx context.Context, id string, origin model.Origin) (*model.Post, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

type Records interface {
	InsertTransRecord(ctx context.Context, r model.TransRecord) error
}

type RendererConfig struct {
	ArtifactDir string
	// PostURL is a fmt pattern taking handle and post id.
	PostURL  string
	Timeout  time.Duration
	Width    int64
	Height   int64
	ExecPath string
}

// Renderer screenshots a post page in headless Chrome with the rendered
// (or translated) text pinned above it.
type Renderer struct {
	cfg     RendererConfig
	posts   Posts
	records Records
	log     logx.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewRenderer(cfg RendererConfig, posts Posts, records Records, log logx.Logger) (*Renderer, error) {
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = "./artifacts"
	}
	if cfg.PostURL == "" {
		cfg.PostURL = "https://x.com/%s/status/%s"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 2000
	}
	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("render: artifact dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{cfg: cfg, posts: posts, records: records, log: log, allocCtx: allocCtx, allocCancel: allocCancel}, nil
}

// Close shuts the browser allocator down.
func (r *Renderer) Close() { r.allocCancel() }

func (r *Renderer) Run(ctx context.Context, job Job) (Result, error) {
	p, err := r.posts.PostOrFetch(ctx, job.PostID, model.OriginManual)
	if err != nil {
		return Result{}, fmt.Errorf("render: load post %s: %w", job.PostID, err)
	}
	handle := "i"
	if a, err := r.posts.GetAccount(ctx, p.AuthorID); err == nil && a.Handle != "" {
		handle = a.Handle
	}
	text := overlayText(job, p)

	png, err := r.capture(ctx, fmt.Sprintf(r.cfg.PostURL, handle, p.ID), text)
	if err != nil {
		return Result{}, err
	}
	name := uuid.NewString() + ".png"
	if err := os.WriteFile(filepath.Join(r.cfg.ArtifactDir, name), png, 0o644); err != nil {
		return Result{}, fmt.Errorf("render: write artifact: %w", err)
	}

	rec := model.TransRecord{PostID: p.ID, Requester: job.Requester, RenderedText: text, Filename: name, CreatedAt: time.Now().UTC()}
	if err := r.records.InsertTransRecord(ctx, rec); err != nil {
		_ = os.Remove(filepath.Join(r.cfg.ArtifactDir, name))
		return Result{}, err
	}
	r.log.Debug("render artifact written", logx.Post(p.ID), logx.String("file", name), logx.Int("bytes", len(png)))
	return Result{JobID: job.ID, PostID: p.ID, File: filepath.Join(r.cfg.ArtifactDir, name), Text: text}, nil
}

func (r *Renderer) capture(ctx context.Context, url, caption string) ([]byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(r.allocCtx)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	err := chromedp.Run(taskCtx,
		emulation.SetDeviceMetricsOverride(r.cfg.Width, r.cfg.Height, 1, false),
		chromedp.Navigate(url),
		chromedp.WaitVisible("article", chromedp.ByQuery),
		chromedp.Evaluate(annotateScript(caption), nil),
		chromedp.Screenshot("article", &buf, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render: chromedp: %w", err)
	}
	return buf, nil
}

func overlayText(job Job, p *model.Post) string {
	if t := strings.TrimSpace(job.Text); t != "" {
		return t
	}
	if p.Translated != "" {
		return p.Translated
	}
	return p.RenderedText
}

// annotateScript pins caption above the first article on the page.
func annotateScript(caption string) string {
	quoted, _ := json.Marshal(caption)
	return fmt.Sprintf(`(function(){
  var a = document.querySelector("article");
  if (!a) return;
  var d = document.createElement("div");
  d.textContent = %s;
  d.style.cssText = "padding:12px 16px;font:15px/1.4 sans-serif;background:#fffbe6;color:#111;border-bottom:1px solid #e6dca0;white-space:pre-wrap";
  a.insertBefore(d, a.firstChild);
})()`, quoted)
}
