/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/sirikata-go/sst/cmn/nlog"
)

// DebugServer exposes a process's live Connection stats as JSON, for
// ad hoc inspection alongside the Prometheus collector (§4.7 FULL
// "debug endpoint"). It's deliberately separate from ConnCollector: the
// collector feeds a scrape target, this feeds a human poking at
// `curl localhost:.../debug/conns` during development.
type DebugServer[T EndpointID[T]] struct {
	mgr    *ConnectionManager[T]
	server *fasthttp.Server
}

func NewDebugServer[T EndpointID[T]](mgr *ConnectionManager[T]) *DebugServer[T] {
	d := &DebugServer[T]{mgr: mgr}
	d.server = &fasthttp.Server{
		Handler: d.handle,
		Name:    "sst-debug",
	}
	return d
}

// ListenAndServe blocks, serving the debug endpoint on addr. Callers
// typically run it in its own goroutine.
func (d *DebugServer[T]) ListenAndServe(addr string) error {
	nlog.Infof("sst: debug server listening on %s", addr)
	return d.server.ListenAndServe(addr)
}

func (d *DebugServer[T]) Shutdown() error { return d.server.Shutdown() }

type connStatView struct {
	Local          string `json:"local"`
	Remote         string `json:"remote"`
	BytesSent      int64  `json:"bytes_sent"`
	BytesRecv      int64  `json:"bytes_recv"`
	SegmentsSent   int64  `json:"segments_sent"`
	SegmentsRecv   int64  `json:"segments_recv"`
	SegmentsDropped int64 `json:"segments_dropped"`
	Retransmits    int64  `json:"retransmits"`
	CWnd           int64  `json:"cwnd"`
	RTOMicros      int64  `json:"rto_micros"`
}

func (d *DebugServer[T]) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/debug/conns":
		d.handleConns(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (d *DebugServer[T]) handleConns(ctx *fasthttp.RequestCtx) {
	snap := d.mgr.Stats()
	views := make([]connStatView, 0, len(snap))
	for lbl, s := range snap {
		views = append(views, connStatView{
			Local:           lbl.local,
			Remote:          lbl.remote,
			BytesSent:       s.BytesSent.Load(),
			BytesRecv:       s.BytesRecv.Load(),
			SegmentsSent:    s.SegmentsSent.Load(),
			SegmentsRecv:    s.SegmentsRecv.Load(),
			SegmentsDropped: s.SegmentsDropped.Load(),
			Retransmits:     s.Retransmits.Load(),
			CWnd:            s.CWnd.Load(),
			RTOMicros:       s.RTOMicros.Load(),
		})
	}
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(views)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
