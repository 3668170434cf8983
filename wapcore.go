package main

import (
	"io"
	"net/http"
	"time"

	"smsgw/wap"
)

// wapFetchTimeout bounds one origin-server fetch for the embedded WAP
// gateway.
const wapFetchTimeout = 30 * time.Second

// newWAPStack builds the in-process WTP/WSP stack used when no wapbox
// is deployed: datagrams from the relay terminate here and method
// requests are fetched over plain HTTP.
func newWAPStack(send wap.SendFunc) *wap.Stack {
	client := &http.Client{Timeout: wapFetchTimeout}
	fetch := func(method byte, uri []byte) (int, string, []byte) {
		if method != wap.WSPGet {
			return http.StatusInternalServerError, "text/plain", []byte("unsupported method")
		}
		resp, err := client.Get(string(uri))
		if err != nil {
			return http.StatusInternalServerError, "text/plain", []byte(err.Error())
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return http.StatusInternalServerError, "text/plain", []byte(err.Error())
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		return resp.StatusCode, ct, body
	}
	session := wap.NewSessionLayer(wap.SessionConfig{}, fetch)
	return wap.NewStack(send, session)
}
