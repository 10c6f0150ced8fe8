// Package tgui has small helpers for Telegram HTML messages: escaping,
// tag builders and rune-safe text trimming.
package tgui
