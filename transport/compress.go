package transport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// compressThreshold is the smallest body size worth paying brotli's
// compression overhead for.
const compressThreshold = 1024

// writeCompressible writes data as the response body, brotli-compressing
// it when the client advertises support and the payload is large enough
// to benefit, the same trade the CompressionStream polyfill this is
// grounded on leaves to the caller.
func writeCompressible(w http.ResponseWriter, r *http.Request, data []byte) {
	if len(data) < compressThreshold || !acceptsBrotli(r) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Encoding", "br")
	w.WriteHeader(http.StatusOK)
	bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
	_, _ = bw.Write(data)
	_ = bw.Close()
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(enc) == "br" {
			return true
		}
	}
	return false
}
