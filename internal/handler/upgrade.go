package handler

import (
	"bufio"
	"io"
	"net"
	"net/http"

	"github.com/fabian4/dynamic-router/internal/lb"
)

// tunnel forwards an upgrade request (websocket and friends) over a raw
// connection and, once the upstream switches protocols, splices the
// client and upstream connections together.
func (g *Gateway) tunnel(w *loggingResponseWriter, reqUp *http.Request, sel lb.Selection) {
	upstream, err := g.transports.Dial(reqUp.Context(), sel.Target)
	if err != nil {
		g.log.Warn("upgrade: dial upstream", "target", sel.Target.String(), "err", err)
		writeUpstreamError(w, err)
		return
	}
	defer func() { _ = upstream.Close() }()

	if err := reqUp.Write(upstream); err != nil {
		g.log.Warn("upgrade: write request", "target", sel.Target.String(), "err", err)
		writeUpstreamError(w, err)
		return
	}
	br := bufio.NewReader(upstream)
	res, err := http.ReadResponse(br, reqUp)
	if err != nil {
		g.log.Warn("upgrade: read response", "target", sel.Target.String(), "err", err)
		writeUpstreamError(w, err)
		return
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusSwitchingProtocols {
		// upstream declined; relay its answer as a normal response
		dropHopByHop(res.Header)
		copyHeaders(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		_, _ = io.Copy(w, res.Body)
		return
	}

	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	client, rw, err := hj.Hijack()
	if err != nil {
		g.log.Warn("upgrade: hijack", "err", err)
		return
	}
	defer func() { _ = client.Close() }()
	w.statusCode = http.StatusSwitchingProtocols

	if err := res.Write(client); err != nil {
		return
	}

	g.metrics.IncUpgrades()
	defer g.metrics.DecUpgrades()

	done := make(chan struct{})
	go func() {
		// bytes the client sent after the handshake are buffered in rw
		_, _ = io.Copy(upstream, rw.Reader)
		closeWrite(upstream)
		close(done)
	}()

	_, _ = io.Copy(client, br)
	closeWrite(client)
	<-done
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
