// Copyright 2024-2026 Aiku AI

package session

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
)

// TerminalDisplay prints pairing tokens as a QR code followed by the raw
// token, and logs that a token was issued.
type TerminalDisplay struct {
	mu  sync.Mutex
	out io.Writer
	log zerolog.Logger
}

var _ PairingDisplay = (*TerminalDisplay)(nil)

func NewTerminalDisplay(out io.Writer, log zerolog.Logger) *TerminalDisplay {
	return &TerminalDisplay{out: out, log: log.With().Str("component", "pairing").Logger()}
}

func (d *TerminalDisplay) ShowPairingToken(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log.Info().Msg("Scan the QR code below to pair the bot")
	if qr, err := RenderQR(token); err != nil {
		d.log.Warn().Err(err).Msg("Failed to render pairing QR code")
	} else {
		_, _ = io.WriteString(d.out, qr)
	}
	_, _ = fmt.Fprintf(d.out, "%s\n", token)
}

// RenderQR encodes content as a QR code drawn with half-block characters,
// two modules rows per text line.
func RenderQR(content string) (string, error) {
	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}
	bitmap := code.Bitmap()
	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bottom := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bottom:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bottom:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
