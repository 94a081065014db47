package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAttachment(t *testing.T) {
	cases := []struct {
		name     string
		fileName string
		data     []byte
		want     string
		wantErr  bool
	}{
		{name: "plain text", fileName: "notes.txt", data: []byte("hello"), want: "hello"},
		{name: "markdown", fileName: "README.md", data: []byte("# title"), want: "# title"},
		{name: "uppercase extension", fileName: "LOG.TXT", data: []byte("ok"), want: "ok"},
		{name: "csv", fileName: "data.csv", data: []byte("a,b\n1,2"), want: "a,b\n1,2"},
		{name: "json", fileName: "payload.json", data: []byte(`{"k":1}`), want: `{"k":1}`},
		{name: "invalid json", fileName: "payload.json", data: []byte(`{"k":`), wantErr: true},
		{name: "binary in text file", fileName: "notes.txt", data: []byte{0xff, 0xfe, 0x00}, wantErr: true},
		{name: "unknown extension", fileName: "slides.pdf", data: []byte("%PDF"), wantErr: true},
		{name: "no extension", fileName: "Makefile", data: []byte("all:"), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadAttachment(tc.fileName, tc.data)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
