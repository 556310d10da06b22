// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package instrumentation

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// serveMux is an HTTP request multiplexer with removable handlers.
type serveMux struct {
	sync.RWMutex
	handlers map[string]http.Handler
	mux      *http.ServeMux
}

func newServeMux() *serveMux {
	return &serveMux{
		handlers: make(map[string]http.Handler),
		mux:      http.NewServeMux(),
	}
}

// Handle registers a handler for the given pattern.
func (m *serveMux) Handle(pattern string, handler http.Handler) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.handlers[pattern]; ok {
		log.Error("can't register duplicate HTTP handler for %q", pattern)
		return
	}
	log.Debug("registering handler for %q...", pattern)

	m.handlers[pattern] = handler
	m.mux.Handle(pattern, handler)
}

// HandleFunc registers a handler function for the given pattern.
func (m *serveMux) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	m.Handle(pattern, http.HandlerFunc(fn))
}

// Unregister removes any handler for the given pattern.
func (m *serveMux) Unregister(pattern string) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.handlers[pattern]; !ok {
		return
	}
	log.Debug("unregistering handler for %q...", pattern)

	delete(m.handlers, pattern)
	m.mux = http.NewServeMux()
	for p, h := range m.handlers {
		m.mux.Handle(p, h)
	}
}

// ServeHTTP serves an HTTP request.
func (m *serveMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.RLock()
	mux := m.mux
	m.RUnlock()
	mux.ServeHTTP(w, r)
}

// server is our HTTP endpoint.
type server struct {
	srv  *http.Server
	cfg  string // configured address
	addr string // bound address
	mux  *serveMux
}

func newServer() *server {
	return &server{mux: newServeMux()}
}

func (s *server) address() string {
	svc.RLock()
	defer svc.RUnlock()
	return s.addr
}

func (s *server) start(addr string) error {
	if addr == "" {
		log.Info("HTTP server is disabled")
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return instrumentationError("can't listen on HTTP address %q: %v", addr, err)
	}

	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	s.cfg = addr
	s.addr = ln.Addr().String()
	log.Info("HTTP server listening on %s", s.addr)

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.srv)

	return nil
}

func (s *server) stop() {
	if s.srv == nil {
		return
	}
	log.Info("stopping HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.srv.Close()
	}
	s.srv = nil
	s.cfg = ""
	s.addr = ""
}

func (s *server) reconfigure(addr string) error {
	if addr == s.cfg && (s.srv != nil || addr == "") {
		return nil
	}
	s.stop()
	return s.start(addr)
}
