// Package api exposes the REST adapter described in spec.md §6: a thin
// net/http surface that parses form params, applies the ingest coercion
// rules (uppercasing, port/resp_time parsing), and calls into the core
// brokerage/collection components. It is intentionally thin — all policy
// lives in internal/broker and internal/monitor.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drsoft-oss/proxybrokerage/internal/brokerage"
	"github.com/drsoft-oss/proxybrokerage/internal/collection"
	"github.com/drsoft-oss/proxybrokerage/internal/monitor"
	"github.com/drsoft-oss/proxybrokerage/internal/proxy"
)

const contentTypeJSON = "application/json"

// defaultReadme is served at GET / when Config.Readme is empty: a minimal
// page holding only a heading.
const defaultReadme = `<!doctype html><html><body><h1>proxybrokerage</h1></body></html>`

// Server is the REST adapter's HTTP server.
type Server struct {
	collection *collection.Collection
	brokerage  *brokerage.Brokerage
	readme     string

	server *http.Server
}

// Config configures Server.
type Config struct {
	Addr   string
	Readme string // HTML served at GET /; defaults to a minimal page
}

// New builds a Server wired to coll and br.
func New(cfg Config, coll *collection.Collection, br *brokerage.Brokerage) *Server {
	readme := cfg.Readme
	if readme == "" {
		readme = defaultReadme
	}

	s := &Server{collection: coll, brokerage: br, readme: readme}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleReadme)
	mux.HandleFunc("GET /proxies", s.handleListProxies)
	mux.HandleFunc("POST /proxies/register", s.handleRegisterProxy)
	mux.HandleFunc("POST /proxies/acquire", s.handleAcquireProxy)
	mux.HandleFunc("POST /proxies/release", s.handleReleaseProxy)
	mux.HandleFunc("GET /domains", s.handleListAllStats)
	mux.HandleFunc("GET /domains/{domain}", s.handleDomainStats)
	mux.HandleFunc("DELETE /domains/{domain}", s.handleDeleteDomain)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	log.Printf("[api] listening on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop shuts the server down immediately.
func (s *Server) Stop() error {
	return s.server.Close()
}

// Handler exposes the underlying http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

func (s *Server) handleReadme(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(s.readme))
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	records := s.collection.Proxies()
	keys := make([]proxy.Key, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		badRequest(w, fmt.Sprintf("could not parse form: %v", err))
		return
	}

	protoStr, ok := requiredParam(w, r, "proto")
	if !ok {
		return
	}
	host, ok := requiredParam(w, r, "host")
	if !ok {
		return
	}
	portStr, ok := requiredParam(w, r, "port")
	if !ok {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		badRequest(w, fmt.Sprintf("port must be an integer: %v", err))
		return
	}

	respTime := 0.0
	if v := r.FormValue("resp_time"); v != "" {
		respTime, err = strconv.ParseFloat(v, 64)
		if err != nil {
			badRequest(w, fmt.Sprintf("resp_time must be a number: %v", err))
			return
		}
	}

	geo := strings.ToUpper(r.FormValue("geo"))
	anonLevel := strings.ToUpper(r.FormValue("anon_level"))

	rec, err := proxy.New(strings.ToUpper(protoStr), strings.ToUpper(host), port, respTime, geo, anonLevel)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	s.collection.RegisterProxy(rec)
	writeJSON(w, http.StatusOK, map[string]string{"msg": "OK"})
}

func (s *Server) handleAcquireProxy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		badRequest(w, fmt.Sprintf("could not parse form: %v", err))
		return
	}

	requestURL, ok := requiredParam(w, r, "url")
	if !ok {
		return
	}

	var requirements []string
	if v := r.FormValue("requirements"); v != "" {
		requirements = strings.Split(v, ",")
	}

	maxWaitTime := 60 * time.Second
	if v := r.FormValue("max_wait_time"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			badRequest(w, fmt.Sprintf("max_wait_time must be a number: %v", err))
			return
		}
		maxWaitTime = time.Duration(secs * float64(time.Second))
	}

	result, err := s.brokerage.Acquire(r.Context(), requestURL, requirements, maxWaitTime)
	if err != nil {
		badRequest(w, fmt.Sprintf("could not extract domain from %s", requestURL))
		return
	}

	resp := map[string]any{"broker": result.Broker}
	if result.Found {
		resp["proxy"] = result.Proxy
	} else {
		resp["proxy"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReleaseProxy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		badRequest(w, fmt.Sprintf("could not parse form: %v", err))
		return
	}

	domain, ok := requiredParam(w, r, "broker")
	if !ok {
		return
	}
	proxyKey, ok := requiredParam(w, r, "proxy")
	if !ok {
		return
	}

	responseTime := 60.0
	if v := r.FormValue("response_time"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			badRequest(w, fmt.Sprintf("response_time must be a number: %v", err))
			return
		}
		responseTime = parsed
	}

	isFailure := strings.ToLower(r.FormValue("is_failure")) == "true"

	ok = s.brokerage.Release(domain, proxy.Key(proxyKey), responseTime, isFailure)
	writeJSON(w, http.StatusOK, ok)
}

func (s *Server) handleListAllStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatsView(s.brokerage.ListAll()))
}

func (s *Server) handleDomainStats(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(r.PathValue("domain"))
	stats, ok := s.brokerage.Stats(domain)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	// Written directly: json.Encoder rejects the Infinity token that
	// statsViewT.MarshalJSON emits for a domain with no known proxies.
	body, err := statsView(stats).MarshalJSON()
	if err != nil {
		log.Printf("[api] encode response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	_, _ = w.Write(append(body, '\n'))
}

func (s *Server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	// Not implemented, per spec.md §6.
	w.Header().Set("Content-Type", contentTypeJSON)
	_, _ = w.Write([]byte(`"not_implemented"`))
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

// requiredParam fetches param from the parsed form, writing a 400 response
// and returning ok=false if it's absent.
func requiredParam(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	if !r.Form.Has(param) {
		badRequest(w, fmt.Sprintf("%s is a required parameter.", param))
		return "", false
	}
	return r.FormValue(param), true
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"err": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// statsViewT is the JSON-serialisable form of monitor.Stats, per spec.md
// §4.1 stats().
type statsViewT struct {
	Available             int            `json:"available"`
	AcquisitionsProcessed int64          `json:"acquisitions_processed"`
	AvgRespTime           float64        `json:"avg_resp_time"`
	Indices               map[string]int `json:"indices"`
}

func statsView(s monitor.Stats) statsViewT {
	return statsViewT{
		Available:             s.Available,
		AcquisitionsProcessed: s.AcquisitionsProcessed,
		AvgRespTime:           s.AvgRespTime,
		Indices:               s.Indices,
	}
}

// MarshalJSON special-cases +Inf: encoding/json rejects non-finite floats
// outright, but avg_resp_time is +Inf whenever a domain has no known
// proxies (spec.md §4.1). We emit the literal `Infinity` token, matching
// the wire behavior of Python's json.dumps (which the original service
// used and which emits Infinity by default).
func (s statsViewT) MarshalJSON() ([]byte, error) {
	indices, err := json.Marshal(s.Indices)
	if err != nil {
		return nil, err
	}

	avg := "Infinity"
	if !math.IsInf(s.AvgRespTime, 1) {
		b, err := json.Marshal(s.AvgRespTime)
		if err != nil {
			return nil, err
		}
		avg = string(b)
	}

	return []byte(fmt.Sprintf(
		`{"available":%d,"acquisitions_processed":%d,"avg_resp_time":%s,"indices":%s}`,
		s.Available, s.AcquisitionsProcessed, avg, indices,
	)), nil
}

func toStatsView(all map[string]monitor.Stats) map[string]statsViewT {
	out := make(map[string]statsViewT, len(all))
	for domain, s := range all {
		out[domain] = statsView(s)
	}
	return out
}
