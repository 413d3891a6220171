package feed

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"feedwatch/internal/model"
)

// FlagPatch is a partial update of SubscriptionFlags; nil fields are kept.
type FlagPatch struct {
	Translate         *bool
	MentionRelay      *bool
	Repost            *bool
	Quote             *bool
	Reply             *bool
	ProfileName       *bool
	ProfileBio        *bool
	ProfileAvatar     *bool
	FollowerThreshold *int64
}

func (p FlagPatch) Apply(f *model.SubscriptionFlags) {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&f.Translate, p.Translate)
	set(&f.MentionRelay, p.MentionRelay)
	set(&f.Repost, p.Repost)
	set(&f.Quote, p.Quote)
	set(&f.Reply, p.Reply)
	set(&f.ProfileName, p.ProfileName)
	set(&f.ProfileBio, p.ProfileBio)
	set(&f.ProfileAvatar, p.ProfileAvatar)
	if p.FollowerThreshold != nil {
		f.FollowerThreshold = *p.FollowerThreshold
	}
}

func (p FlagPatch) Empty() bool { return p == FlagPatch{} }

// String lists the patched options as name=value, sorted.
func (p FlagPatch) String() string {
	var parts []string
	add := func(name string, v *bool) {
		if v != nil {
			parts = append(parts, name+"="+strconv.FormatBool(*v))
		}
	}
	for name, ptr := range p.boolFields() {
		add(name, *ptr)
	}
	if p.FollowerThreshold != nil {
		parts = append(parts, "follower_threshold="+strconv.FormatInt(*p.FollowerThreshold, 10))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func (p *FlagPatch) boolFields() map[string]**bool {
	return map[string]**bool{
		"translate":      &p.Translate,
		"mention_relay":  &p.MentionRelay,
		"repost":         &p.Repost,
		"quote":          &p.Quote,
		"reply":          &p.Reply,
		"profile_name":   &p.ProfileName,
		"profile_bio":    &p.ProfileBio,
		"profile_avatar": &p.ProfileAvatar,
	}
}

// OptionNames lists the names ParseOption accepts.
func OptionNames() []string {
	var p FlagPatch
	names := []string{"follower_threshold"}
	for n := range p.boolFields() {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseOption sets one option on p from its textual form. Booleans accept
// on/off, yes/no, true/false and 1/0; follower_threshold takes a
// non-negative integer (0 disables follower notifications).
func (p *FlagPatch) ParseOption(name, value string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.ToLower(strings.TrimSpace(value))

	if name == "follower_threshold" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: follower_threshold %q", ErrInvalidOption, value)
		}
		p.FollowerThreshold = &n
		return nil
	}
	dst, ok := p.boolFields()[name]
	if !ok {
		return fmt.Errorf("%w: unknown option %q", ErrInvalidOption, name)
	}
	var b bool
	switch value {
	case "on", "yes", "true", "1":
		b = true
	case "off", "no", "false", "0":
		b = false
	default:
		return fmt.Errorf("%w: %s expects on/off, got %q", ErrInvalidOption, name, value)
	}
	*dst = &b
	return nil
}
