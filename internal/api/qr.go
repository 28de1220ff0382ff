package api

import (
	"fmt"
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"
)

// handleQR renders a QR code PNG pointing phones at the dashboard.
// ?url= overrides the encoded target; ?size= sets the pixel edge
// (default 256, capped at 1024).
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		host := r.Host
		if host == "" {
			host = fmt.Sprintf("localhost:%d", s.port)
		}
		target = "http://" + host + "/"
	}

	size := 256
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 64 || n > 1024 {
			s.errorResponse(w, http.StatusBadRequest, "size must be between 64 and 1024")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(target, qrcode.Medium, size)
	if err != nil {
		s.logger.Error("qr encode failed", "url", target, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "qr encoding error")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("qr write failed", "error", err)
	}
}
