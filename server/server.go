// Package server contains misc server utilities.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/electrode-lab/cicph/generichttp"
)

// BuildMux binds every HTTPer onto a chi router with request logging, and
// adds GET /endpoints listing the bound routes
func BuildMux(httpers ...generichttp.HTTPer) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(middleware.Recoverer)
	var endpoints []string
	for _, h := range httpers {
		rt := h.RT()
		rt.Bind(root)
		endpoints = append(endpoints, rt.Endpoints()...)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		generichttp.EncodeJSON(w, endpoints)
	})
	return root
}

// A Server serves a handler in the background until Shutdown
type Server struct {
	srv  *http.Server
	ln   net.Listener
	errs chan error
}

// Start listens on addr and serves h in a new goroutine
func Start(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{srv: &http.Server{Handler: h}, ln: ln, errs: make(chan error, 1)}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.errs <- err
	}()
	log.Println("now listening for requests at", ln.Addr())
	return s, nil
}

// Addr is the address actually bound, useful when started on port 0
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and waits for the in-flight ones, or ctx
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.errs
}
