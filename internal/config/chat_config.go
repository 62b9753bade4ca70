package config

import "time"

const (
	// WebSocket
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxFrameSize   = 64 << 10
	ReadBufferSize = 1024
	WriteBuffer    = 1024

	// OpTimeout bounds the handling of one inbound frame.
	OpTimeout = 10 * time.Second

	// Messages
	MaxContentLength  = 8000
	MaxAttachments    = 10
	MaxMentions       = 50
	MaxEmojiLength    = 32
	MaxSearchQueryLen = 200

	// Refresh cookie
	RefreshCookieName = "refresh_token"
	RefreshHeaderName = "X-Refresh-Token"
)
