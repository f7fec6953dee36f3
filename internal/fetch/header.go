package fetch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// ParseHeaderBlock 解析 responseHeaderBlock 写出的原始头块，返回状态码与头部。
func ParseHeaderBlock(raw []byte) (int, http.Header, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return 0, nil, fmt.Errorf("read status line: %w", err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("malformed status code %q", parts[1])
	}

	mime, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, fmt.Errorf("read header fields: %w", err)
	}
	return status, http.Header(mime), nil
}

// ValidatorsFrom 从已存储的响应头中提取校验器。
func ValidatorsFrom(header http.Header) Validators {
	if header == nil {
		return Validators{}
	}
	return Validators{
		ETag:         strings.TrimSpace(header.Get("Etag")),
		LastModified: strings.TrimSpace(header.Get("Last-Modified")),
	}
}
