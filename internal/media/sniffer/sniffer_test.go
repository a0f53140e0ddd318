package sniffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectHead(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want MediaType
	}{
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}, TypeJPEG},
		{"png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0}, TypePNG},
		{"gif89a", []byte("GIF89a...."), TypeGIF},
		{"webp", []byte("RIFF\x10\x00\x00\x00WEBPVP8 "), TypeWEBP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectHead(tt.head)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, MIMEForFormat(string(tt.want)), got.MIME)
		})
	}

	_, err := DetectHead([]byte("<svg xmlns=..."))
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = DetectHead(nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestNormalizeMIME(t *testing.T) {
	assert.Equal(t, "image/jpeg", NormalizeMIME("IMAGE/JPG"))
	assert.Equal(t, "image/png", NormalizeMIME("image/png; charset=binary"))
	assert.Equal(t, "", NormalizeMIME(""))
}
