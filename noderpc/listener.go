package noderpc

import (
	"net"
	"net/http"
	"net/rpc"
	"net/rpc/jsonrpc"

	"golang.org/x/net/websocket"

	"github.com/lnlab/lnode/logging"
)

// Listener serves json-rpc over a websocket at /ws.
type Listener struct {
	srv *rpc.Server
	ln  net.Listener
}

// Serve registers the RPC receiver and starts listening.  It returns once
// the socket is bound; requests are handled in the background.
func Serve(r *NodeRPC, addr string) (*Listener, error) {
	srv := rpc.NewServer()
	if err := srv.Register(r); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", websocket.Handler(func(ws *websocket.Conn) {
		srv.ServeCodec(jsonrpc.NewServerCodec(ws))
	}))

	l := &Listener{srv: srv, ln: ln}
	go func() {
		err := http.Serve(ln, mux)
		logging.Infof("rpc listener on %s done: %v\n", ln.Addr().String(), err)
	}()
	logging.Infof("rpc listening on %s\n", ln.Addr().String())
	return l, nil
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects an rpc client to a node's websocket endpoint.
func Dial(addr string) (*rpc.Client, error) {
	wsConn, err := websocket.Dial("ws://"+addr+"/ws", "", "http://"+addr+"/")
	if err != nil {
		return nil, err
	}
	return jsonrpc.NewClient(wsConn), nil
}
