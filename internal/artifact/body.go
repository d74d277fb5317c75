package artifact

import (
	"bytes"
	"io"
)

type bodyKind int

const (
	kindBytes bodyKind = iota
	kindStream
)

const DefaultContentType = "application/octet-stream"

// Body is the payload of a write. It is either fully buffered bytes or a
// stream of unknown length; the choice is made where the Body is built.
type Body struct {
	kind        bodyKind
	data        []byte
	stream      io.Reader
	contentType string
}

func Bytes(b []byte) Body {
	return Body{kind: kindBytes, data: b}
}

func Stream(r io.Reader) Body {
	return Body{kind: kindStream, stream: r}
}

// WithContentType returns a copy of b carrying the given content type.
func (b Body) WithContentType(contentType string) Body {
	b.contentType = contentType
	return b
}

func (b Body) ContentType() string {
	if b.contentType == "" {
		return DefaultContentType
	}
	return b.contentType
}

func (b Body) IsStream() bool {
	return b.kind == kindStream
}

// Len is the size of a bytes body, or -1 for a stream.
func (b Body) Len() int64 {
	if b.kind == kindStream {
		return -1
	}
	return int64(len(b.data))
}

func (b Body) Reader() io.Reader {
	if b.kind == kindStream {
		return b.stream
	}
	return bytes.NewReader(b.data)
}
