/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package blobserver serves a cloud container backend over HTTP.
package blobserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CovenantSQL/briefcase/cloud"
	"github.com/CovenantSQL/briefcase/utils/log"
)

const apiTimeout = 10 * time.Second

// Backend is the storage behind the server.
type Backend interface {
	cloud.Transport
	CreateContainer(p cloud.ContainerProps)
}

var statusCodes = map[cloud.Status]int{
	cloud.OK:              http.StatusOK,
	cloud.NotFound:        http.StatusNotFound,
	cloud.AlreadyExists:   http.StatusConflict,
	cloud.Conflict:        http.StatusConflict,
	cloud.LockHeld:        http.StatusLocked,
	cloud.NotWriteLocked:  http.StatusForbidden,
	cloud.Unauthorized:    http.StatusUnauthorized,
	cloud.InvalidArgument: http.StatusBadRequest,
	cloud.Timeout:         http.StatusGatewayTimeout,
}

func sendResponse(status cloud.Status, msg interface{}, data interface{}, rw http.ResponseWriter) {
	msgStr := "ok"
	if msg != nil {
		msgStr = fmt.Sprint(msg)
	}
	code, ok := statusCodes[status]
	if !ok {
		code = http.StatusInternalServerError
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(&cloud.Envelope{
		Status:  msgStr,
		Success: status == cloud.OK,
		Code:    status.String(),
		Data:    data,
	})
}

func sendError(err error, rw http.ResponseWriter) {
	sendResponse(cloud.StatusOf(err), err, nil, rw)
}

// Server exposes a backend under /v1/{account}/{container}.
type Server struct {
	backend     Backend
	accessToken string
	requests    *prometheus.CounterVec
	registry    *prometheus.Registry
	router      *mux.Router
	srv         *http.Server
}

// NewServer builds the routes of a server. A non-empty accessToken is required as bearer
// token on every request.
func NewServer(backend Backend, accessToken string) *Server {
	s := &Server{
		backend:     backend,
		accessToken: accessToken,
		registry:    prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefcase_blobserver_requests_total",
			Help: "Requests served by the blob server",
		}, []string{"route", "code"}),
	}
	s.registry.MustRegister(s.requests)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	v1Router := router.PathPrefix(cloud.APIPrefix).Subrouter()
	v1Router.Use(s.authenticate)
	v1Router.HandleFunc("/{account}/{container}", s.route("create", s.createContainer)).Methods("PUT")
	v1Router.HandleFunc("/{account}/{container}/manifest", s.route("poll", s.getManifest)).Methods("GET")
	v1Router.HandleFunc("/{account}/{container}/manifest", s.route("publish", s.putManifest)).Methods("PUT")
	v1Router.HandleFunc("/{account}/{container}/blocks/{name:[0-9a-f]+}", s.route("fetch", s.getBlock)).Methods("GET")
	v1Router.HandleFunc("/{account}/{container}/blocks/{name:[0-9a-f]+}", s.route("upload", s.putBlock)).Methods("PUT")
	v1Router.HandleFunc("/{account}/{container}/lock", s.route("acquire", s.acquireLock)).Methods("POST")
	v1Router.HandleFunc("/{account}/{container}/lock", s.route("check", s.checkLock)).Methods("GET")
	v1Router.HandleFunc("/{account}/{container}/lock", s.route("release", s.releaseLock)).Methods("DELETE")
	s.router = router
	return s
}

// Register adds a collector to the metrics of the server.
func (s *Server) Register(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on listenAddr in the background.
func (s *Server) Start(listenAddr string) {
	s.srv = &http.Server{
		Addr:         listenAddr,
		WriteTimeout: apiTimeout * 10,
		ReadTimeout:  apiTimeout,
		IdleTimeout:  apiTimeout,
		Handler:      s.router,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("start blob server failed")
		}
	}()
	log.WithField("addr", listenAddr).Info("blob server started")
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(name string, h func(http.ResponseWriter, *http.Request, cloud.ContainerProps)) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		p := cloud.ContainerProps{
			StorageType: "http",
			AccountName: vars["account"],
			ContainerID: vars["container"],
		}
		rec := &statusRecorder{ResponseWriter: rw, code: http.StatusOK}
		h(rec, r, p)
		s.requests.WithLabelValues(name, fmt.Sprint(rec.code)).Inc()
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if s.accessToken != "" && strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != s.accessToken {
			sendResponse(cloud.Unauthorized, "invalid access token", nil, rw)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &cloud.Result{Status: cloud.InvalidArgument, Message: "decode request body failed: " + err.Error()}
	}
	return nil
}

func (s *Server) createContainer(rw http.ResponseWriter, r *http.Request, p cloud.ContainerProps) {
	s.backend.CreateContainer(p)
	sendResponse(cloud.OK, nil, nil, rw)
}

func (s *Server) getManifest(rw http.ResponseWriter, r *http.Request, p cloud.ContainerProps) {
	m, err := s.backend.PollManifest(r.Context(), p)
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(cloud.OK, nil, m, rw)
}

func (s *Server) putManifest(rw http.ResponseWriter, r *http.Request, p cloud.ContainerProps) {
	m := new(cloud.Manifest)
	if err := decodeBody(r, m); err != nil {
		sendError(err, rw)
		return
	}
	if m.Databases == nil {
		m.Databases = make(map[string]*cloud.DatabaseEntry)
	}
	if err := s.backend.PutManifest(r.Context(), p, r.Header.Get(cloud.LockTokenHeader), m); err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(cloud.OK, nil, nil, rw)
}

func (s *Server) getBlock(rw http.ResponseWriter, r *http.Request, p cloud.ContainerProps) {
	data, err := s.backend.FetchBlock(r.Context(), p, mux.Vars(r)["name"])
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(cloud.OK, nil, &cloud.BlockBody{Data: data}, rw)
}

func (s *Server) putBlock(rw http.ResponseWriter, r *http.Request, p cloud.ContainerProps) {
	body := new(cloud.BlockBody)
	if err := decodeBody(r, body); err != nil {
		sendError(err, rw)
		return
	}
	err := s.backend.PutBlock(r.Context(), p, r.Header.Get(cloud.LockTokenHeader), mux.Vars(r)["name"], body.Data)
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(cloud.OK, nil, nil, rw)
}

func (s *Server) acquireLock(rw http.ResponseWriter, r *http.Request, p cloud.ContainerProps) {
	body := new(cloud.LockBody)
	if err := decodeBody(r, body); err != nil {
		sendError(err, rw)
		return
	}
	token, err := s.backend.AcquireLock(r.Context(), p, body.Holder)
	if err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(cloud.OK, nil, &cloud.LockBody{Holder: body.Holder, Token: token}, rw)
}

func (s *Server) checkLock(rw http.ResponseWriter, r *http.Request, p cloud.ContainerProps) {
	if err := s.backend.CheckLock(r.Context(), p, r.Header.Get(cloud.LockTokenHeader)); err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(cloud.OK, nil, nil, rw)
}

func (s *Server) releaseLock(rw http.ResponseWriter, r *http.Request, p cloud.ContainerProps) {
	if err := s.backend.ReleaseLock(r.Context(), p, r.Header.Get(cloud.LockTokenHeader)); err != nil {
		sendError(err, rw)
		return
	}
	sendResponse(cloud.OK, nil, nil, rw)
}
