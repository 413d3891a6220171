// Package tgui holds small helpers for composing Telegram messages in
// ParseMode="HTML": typed escaping, inline markup and rune-safe truncation.
package tgui
