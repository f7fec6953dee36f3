package fetch

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding 是压缩模式下发送的 Accept-Encoding。
const acceptEncoding = "gzip, deflate, br, zstd"

// decodeBody 按 Content-Encoding（可能是逗号分隔的多层编码）逆序解码正文。
func decodeBody(contentEncoding string, raw []byte) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	body := raw
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			body, err = readAllFrom(gzip.NewReader(bytes.NewReader(body)))
		case "deflate":
			body, err = inflate(body)
		case "br":
			body, err = io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		case "zstd":
			body, err = decodeZstd(body)
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", coding)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
	}
	return body, nil
}

func readAllFrom(r io.ReadCloser, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// inflate 处理 HTTP deflate：规范要求 zlib 封装，但不少服务端发送裸 deflate 流。
func inflate(body []byte) ([]byte, error) {
	if out, err := readAllFrom(zlib.NewReader(bytes.NewReader(body))); err == nil {
		return out, nil
	}
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()
	return io.ReadAll(r)
}

func decodeZstd(body []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(body, nil)
}
