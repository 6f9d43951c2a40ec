package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/fivetwenty-io/fhir-client/internal/client"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/stretchr/testify/require"
)

// recordedRequest is a request seen by fakeServer.
type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// result is the outcome of one interaction on fakeServer, shared by the
// REST handlers and bundle processing.
type result struct {
	status   int
	resource fhir.RawResource
	location string
	etag     string
}

// fakeServer is an in-memory FHIR server. Resources are versioned, deleted
// resources answer 410, transactions resolve urn:uuid placeholders and roll
// back on failure.
type fakeServer struct {
	*httptest.Server

	mu           sync.Mutex
	fhirVersion  string
	requireToken string
	nextID       int
	current      map[string]fhir.RawResource
	history      map[string][]fhir.RawResource
	deleted      map[string]bool
	requests     []recordedRequest
	tamper       func(*fhir.Bundle)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	server := &fakeServer{
		fhirVersion: fhir.R4B.Number,
		current:     make(map[string]fhir.RawResource),
		history:     make(map[string][]fhir.RawResource),
		deleted:     make(map[string]bool),
	}
	server.Server = httptest.NewServer(http.HandlerFunc(server.handle))
	t.Cleanup(server.Close)

	return server
}

// newClient creates a client for the server. Retries are off so that
// failures surface immediately.
func (f *fakeServer) newClient(t *testing.T, mutate ...func(*fhir.Config)) *client.Client {
	t.Helper()

	config := &fhir.Config{
		BaseURL:  f.URL,
		RetryMax: -1,
	}

	for _, fn := range mutate {
		fn(config)
	}

	c, err := client.New(context.Background(), config)
	require.NoError(t, err)

	return c
}

// seed stores res under its own id as version 1.
func (f *fakeServer) seed(res fhir.RawResource) fhir.RawResource {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.store(res.ResourceType(), res.ResourceID(), res)
}

func (f *fakeServer) setTamper(tamper func(*fhir.Bundle)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tamper = tamper
}

func (f *fakeServer) setFHIRVersion(version string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fhirVersion = version
}

func (f *fakeServer) setRequiredToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requireToken = token
}

func (f *fakeServer) get(ref string) (fhir.RawResource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res, ok := f.current[ref]
	if !ok || f.deleted[ref] {
		return nil, false
	}

	return clone(res), true
}

func (f *fakeServer) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.requests)
}

func (f *fakeServer) lastRequest() recordedRequest {
	requests := f.recorded()

	return requests[len(requests)-1]
}

//nolint:cyclop // Router for the fake server
func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})

	if f.requireToken != "" && r.Header.Get("Authorization") != "Bearer "+f.requireToken {
		f.write(w, result{status: http.StatusUnauthorized, resource: outcome("login", "token required")})

		return
	}

	segments := strings.FieldsFunc(r.URL.Path, func(c rune) bool { return c == '/' })

	switch {
	case len(segments) == 0 && r.Method == http.MethodPost:
		f.handleBundle(w, body)
	case len(segments) == 0:
		f.handleSearch(w, r, "")
	case len(segments) == 1 && strings.HasPrefix(segments[0], "$"):
		f.handleOperation(w, r, "", "", segments[0], body)
	case len(segments) == 1 && segments[0] == "metadata":
		f.write(w, result{status: http.StatusOK, resource: fhir.NewResource("CapabilityStatement", map[string]any{
			"status":      "active",
			"fhirVersion": f.fhirVersion,
		})})
	case len(segments) == 1 && r.Method == http.MethodPost:
		f.write(w, f.create(decode(body), ""))
	case len(segments) == 1:
		f.handleSearch(w, r, segments[0])
	case len(segments) == 2 && strings.HasPrefix(segments[1], "$"):
		f.handleOperation(w, r, segments[0], "", segments[1], body)
	case len(segments) == 2:
		f.handleInstance(w, r, segments[0], segments[1], body)
	case len(segments) == 3 && segments[2] == "_history":
		f.handleHistory(w, segments[0], segments[1])
	case len(segments) == 3 && strings.HasPrefix(segments[2], "$"):
		f.handleOperation(w, r, segments[0], segments[1], segments[2], body)
	case len(segments) == 4 && segments[2] == "_history":
		f.write(w, f.vread(segments[0], segments[1], segments[3]))
	default:
		f.write(w, result{status: http.StatusNotFound, resource: outcome("not-supported", r.URL.Path)})
	}
}

func (f *fakeServer) handleInstance(w http.ResponseWriter, r *http.Request, resourceType, id string, body []byte) {
	switch r.Method {
	case http.MethodGet:
		res := f.read(resourceType, id)
		if res.status == http.StatusOK && r.Header.Get("If-None-Match") == res.etag {
			w.Header().Set("ETag", res.etag)
			w.WriteHeader(http.StatusNotModified)

			return
		}

		f.write(w, res)
	case http.MethodPut:
		f.write(w, f.update(resourceType, id, decode(body), r.Header.Get("If-Match")))
	case http.MethodPatch:
		f.write(w, f.patch(resourceType, id, body))
	case http.MethodDelete:
		f.write(w, f.remove(resourceType, id))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeServer) handleSearch(w http.ResponseWriter, r *http.Request, resourceType string) {
	query := r.URL.Query()

	var matches []fhir.RawResource

	for _, key := range slices.Sorted(maps.Keys(f.current)) {
		res := f.current[key]
		if f.deleted[key] || (resourceType != "" && res.ResourceType() != resourceType) {
			continue
		}

		if matchesQuery(res, query) {
			matches = append(matches, res)
		}
	}

	page, _ := strconv.Atoi(query.Get("_page"))
	page = max(page, 1)

	count, _ := strconv.Atoi(query.Get("_count"))
	if count <= 0 {
		count = len(matches) + 1
	}

	start := min((page-1)*count, len(matches))
	end := min(start+count, len(matches))

	bundle := fhir.NewBundle(fhir.BundleTypeSearchset)
	total := len(matches)
	bundle.Total = &total

	for _, res := range matches[start:end] {
		bundle.Entry = append(bundle.Entry, f.entry(res, fhir.SearchModeMatch))
	}

	if end < len(matches) {
		next := maps.Clone(query)
		next.Set("_page", strconv.Itoa(page+1))
		bundle.Link = append(bundle.Link, fhir.BundleLink{
			Relation: fhir.LinkRelationNext,
			URL:      f.URL + r.URL.Path + "?" + next.Encode(),
		})
	}

	f.writeBundle(w, bundle)
}

func (f *fakeServer) handleHistory(w http.ResponseWriter, resourceType, id string) {
	key := resourceType + "/" + id

	versions, ok := f.history[key]
	if !ok {
		f.write(w, result{status: http.StatusNotFound, resource: outcome("not-found", key)})

		return
	}

	bundle := fhir.NewBundle(fhir.BundleTypeHistory)

	for i := len(versions) - 1; i >= 0; i-- {
		bundle.Entry = append(bundle.Entry, f.entry(versions[i], ""))
	}

	if f.deleted[key] {
		bundle.Entry = append([]fhir.BundleEntry{{
			Request:  &fhir.BundleEntryRequest{Method: http.MethodDelete, URL: key},
			Response: &fhir.BundleEntryResponse{Status: "204 No Content"},
		}}, bundle.Entry...)
	}

	f.writeBundle(w, bundle)
}

func (f *fakeServer) handleOperation(w http.ResponseWriter, r *http.Request, resourceType, id, operation string, body []byte) {
	switch {
	case operation == "$everything" && id != "":
		key := resourceType + "/" + id
		if _, ok := f.current[key]; !ok {
			f.write(w, result{status: http.StatusNotFound, resource: outcome("not-found", key)})

			return
		}

		bundle := fhir.NewBundle(fhir.BundleTypeSearchset)
		bundle.Entry = append(bundle.Entry, f.entry(f.current[key], fhir.SearchModeMatch))

		for _, other := range slices.Sorted(maps.Keys(f.current)) {
			encoded, _ := json.Marshal(f.current[other])
			if other != key && strings.Contains(string(encoded), `"`+key+`"`) {
				bundle.Entry = append(bundle.Entry, f.entry(f.current[other], fhir.SearchModeMatch))
			}
		}

		f.writeBundle(w, bundle)
	case operation == "$match" && resourceType == "Patient":
		f.handleMatch(w, body)
	case operation == "$status" && resourceType == "Subscription":
		key := resourceType + "/" + id
		if _, ok := f.current[key]; !ok {
			f.writeBundle(w, fhir.NewBundle(fhir.BundleTypeHistory))

			return
		}

		bundle := fhir.NewBundle(fhir.BundleTypeHistory)
		bundle.Entry = append(bundle.Entry, f.entry(fhir.NewResource("SubscriptionStatus", map[string]any{
			"status":       "active",
			"type":         "query-status",
			"subscription": map[string]any{"reference": key},
		}), ""))

		f.writeBundle(w, bundle)
	case operation == "$events" && resourceType == "Subscription":
		bundle := fhir.NewBundle(fhir.BundleTypeHistory)
		bundle.Entry = append(bundle.Entry, f.entry(fhir.NewResource("SubscriptionStatus", map[string]any{
			"status":                       "active",
			"type":                         "query-event",
			"eventsSinceSubscriptionStart": r.URL.Query().Get("eventsSinceNumber"),
		}), ""))

		f.writeBundle(w, bundle)
	default:
		f.write(w, result{status: http.StatusNotFound, resource: outcome("not-supported", operation)})
	}
}

func (f *fakeServer) handleMatch(w http.ResponseWriter, body []byte) {
	var params struct {
		Parameter []struct {
			Name     string           `json:"name"`
			Resource fhir.RawResource `json:"resource"`
		} `json:"parameter"`
	}

	_ = json.Unmarshal(body, &params)

	var birthDate any

	for _, param := range params.Parameter {
		if param.Name == "resource" {
			birthDate = param.Resource["birthDate"]
		}
	}

	bundle := fhir.NewBundle(fhir.BundleTypeSearchset)

	for _, key := range slices.Sorted(maps.Keys(f.current)) {
		res := f.current[key]
		if res.ResourceType() == "Patient" && !f.deleted[key] && res["birthDate"] == birthDate {
			bundle.Entry = append(bundle.Entry, f.entry(res, fhir.SearchModeMatch))
		}
	}

	f.writeBundle(w, bundle)
}

// handleBundle processes a transaction or batch. Creates in a transaction get
// their ids first so that placeholders can be replaced in every entry. Reads
// run before writes and see the state the bundle started from.
//
//nolint:funlen // Transaction processing is easier to follow in one place
func (f *fakeServer) handleBundle(w http.ResponseWriter, body []byte) {
	request, err := fhir.DecodeBundle(body)
	if err != nil {
		f.write(w, result{status: http.StatusBadRequest, resource: outcome("structure", err.Error())})

		return
	}

	transaction := request.Type == fhir.BundleTypeTransaction
	responseType := fhir.BundleTypeBatchResponse

	if transaction {
		responseType = fhir.BundleTypeTransactionResponse
	}

	current := maps.Clone(f.current)
	history := maps.Clone(f.history)
	deleted := maps.Clone(f.deleted)

	assigned := make(map[int]string)
	replacer := []string{}

	if transaction {
		for i, entry := range request.Entry {
			if entry.Request != nil && entry.Request.Method == http.MethodPost {
				f.nextID++
				assigned[i] = strconv.Itoa(f.nextID)

				if strings.HasPrefix(entry.FullURL, fhir.PlaceholderPrefix) {
					replacer = append(replacer, entry.FullURL, entry.Request.URL+"/"+assigned[i])
				}
			}
		}
	}

	resolve := strings.NewReplacer(replacer...)
	responses := make([]fhir.BundleEntry, len(request.Entry))
	failed := false

	for _, i := range processingOrder(request.Entry) {
		entry := request.Entry[i]

		var payload fhir.RawResource
		if len(entry.Resource) > 0 {
			payload = decode([]byte(resolve.Replace(string(entry.Resource))))
		}

		parts, _ := fhir.Reference(entry.Request.URL).Parse()

		var res result

		switch entry.Request.Method {
		case http.MethodPost:
			res = f.create(payload, assigned[i])
		case http.MethodGet:
			res = f.read(parts.ResourceType, parts.ID)
		case http.MethodPut:
			res = f.update(parts.ResourceType, parts.ID, payload, entry.Request.IfMatch)
		case http.MethodDelete:
			res = f.remove(parts.ResourceType, parts.ID)
		}

		responses[i] = fhir.BundleEntry{Response: &fhir.BundleEntryResponse{
			Status:   fmt.Sprintf("%d %s", res.status, http.StatusText(res.status)),
			Location: res.location,
			ETag:     res.etag,
		}}

		switch {
		case res.status >= http.StatusBadRequest:
			failed = true
			responses[i].Response.Outcome, _ = json.Marshal(res.resource)
		case res.resource != nil:
			responses[i].FullURL = f.URL + "/" + res.resource.ResourceType() + "/" + res.resource.ResourceID()
			responses[i].Resource, _ = json.Marshal(res.resource)
		}
	}

	response := fhir.NewBundle(responseType)
	response.Entry = responses

	if transaction && failed {
		f.current, f.history, f.deleted = current, history, deleted
		f.write(w, result{status: http.StatusBadRequest, resource: outcome("processing", "transaction rolled back")})

		return
	}

	if f.tamper != nil {
		f.tamper(response)
	}

	f.writeBundle(w, response)
}

// processingOrder lists entry indexes with reads first.
func processingOrder(entries []fhir.BundleEntry) []int {
	var reads, writes []int

	for i := range entries {
		if entries[i].Request != nil && entries[i].Request.Method == http.MethodGet {
			reads = append(reads, i)
		} else {
			writes = append(writes, i)
		}
	}

	return append(reads, writes...)
}

func (f *fakeServer) create(res fhir.RawResource, id string) result {
	if res == nil || res.ResourceType() == "" {
		return result{status: http.StatusBadRequest, resource: outcome("required", "resource required")}
	}

	if id == "" {
		f.nextID++
		id = strconv.Itoa(f.nextID)
	}

	stored := f.store(res.ResourceType(), id, res)

	return f.written(http.StatusCreated, stored)
}

func (f *fakeServer) read(resourceType, id string) result {
	key := resourceType + "/" + id

	if f.deleted[key] {
		return result{status: http.StatusGone, resource: outcome("deleted", key)}
	}

	res, ok := f.current[key]
	if !ok {
		return result{status: http.StatusNotFound, resource: outcome("not-found", key)}
	}

	return result{status: http.StatusOK, resource: clone(res), etag: etagOf(res)}
}

func (f *fakeServer) vread(resourceType, id, version string) result {
	key := resourceType + "/" + id
	index, err := strconv.Atoi(version)

	versions := f.history[key]
	if err != nil || index < 1 || index > len(versions) {
		return result{status: http.StatusNotFound, resource: outcome("not-found", key+"/_history/"+version)}
	}

	res := versions[index-1]

	return result{status: http.StatusOK, resource: clone(res), etag: etagOf(res)}
}

func (f *fakeServer) update(resourceType, id string, res fhir.RawResource, ifMatch string) result {
	key := resourceType + "/" + id

	if res == nil || res.ResourceType() != resourceType {
		return result{status: http.StatusBadRequest, resource: outcome("invalid", "resource type mismatch")}
	}

	existing, exists := f.current[key]

	if ifMatch != "" && (!exists || etagOf(existing) != ifMatch) {
		return result{status: http.StatusPreconditionFailed, resource: outcome("conflict", "version mismatch for "+key)}
	}

	status := http.StatusOK
	if !exists || f.deleted[key] {
		status = http.StatusCreated
	}

	return f.written(status, f.store(resourceType, id, res))
}

func (f *fakeServer) patch(resourceType, id string, body []byte) result {
	key := resourceType + "/" + id

	existing, ok := f.current[key]
	if !ok || f.deleted[key] {
		return result{status: http.StatusNotFound, resource: outcome("not-found", key)}
	}

	var ops []fhir.PatchOperation

	err := json.Unmarshal(body, &ops)
	if err != nil {
		return result{status: http.StatusBadRequest, resource: outcome("structure", err.Error())}
	}

	patched := clone(existing)

	for _, op := range ops {
		field := strings.TrimPrefix(op.Path, "/")

		switch op.Op {
		case "add", "replace":
			patched[field] = op.Value
		case "remove":
			delete(patched, field)
		}
	}

	return f.written(http.StatusOK, f.store(resourceType, id, patched))
}

func (f *fakeServer) remove(resourceType, id string) result {
	key := resourceType + "/" + id

	if _, ok := f.current[key]; ok {
		f.deleted[key] = true
	}

	return result{status: http.StatusNoContent}
}

// store saves res as the next version of resourceType/id. Callers hold f.mu
// except seed, which takes it itself.
func (f *fakeServer) store(resourceType, id string, res fhir.RawResource) fhir.RawResource {
	key := resourceType + "/" + id
	stored := clone(res)
	stored.SetID(id)
	stored.SetVersionID(strconv.Itoa(len(f.history[key]) + 1))

	f.history[key] = append(slices.Clone(f.history[key]), stored)
	f.current[key] = stored
	delete(f.deleted, key)

	if n, err := strconv.Atoi(id); err == nil && n > f.nextID {
		f.nextID = n
	}

	return clone(stored)
}

func (f *fakeServer) written(status int, res fhir.RawResource) result {
	return result{
		status:   status,
		resource: res,
		location: f.URL + "/" + res.ResourceType() + "/" + res.ResourceID() + "/_history/" + res.VersionID(),
		etag:     etagOf(res),
	}
}

func (f *fakeServer) entry(res fhir.RawResource, mode string) fhir.BundleEntry {
	data, _ := json.Marshal(res)
	entry := fhir.BundleEntry{Resource: data}

	if res.ResourceID() != "" {
		entry.FullURL = f.URL + "/" + res.ResourceType() + "/" + res.ResourceID()
	}

	if mode != "" {
		entry.Search = &fhir.BundleEntrySearch{Mode: mode}
	}

	return entry
}

func (f *fakeServer) write(w http.ResponseWriter, res result) {
	if res.location != "" {
		w.Header().Set("Location", res.location)
	}

	if res.etag != "" {
		w.Header().Set("ETag", res.etag)
	}

	w.Header().Set("Content-Type", "application/fhir+json; fhirVersion="+f.fhirVersion)
	w.WriteHeader(res.status)

	if res.resource != nil {
		_ = json.NewEncoder(w).Encode(res.resource)
	}
}

func (f *fakeServer) writeBundle(w http.ResponseWriter, bundle *fhir.Bundle) {
	w.Header().Set("Content-Type", "application/fhir+json; fhirVersion="+f.fhirVersion)
	_ = json.NewEncoder(w).Encode(bundle)
}

func matchesQuery(res fhir.RawResource, query url.Values) bool {
	encoded, _ := json.Marshal(res)

	for name, values := range query {
		if strings.HasPrefix(name, "_") {
			continue
		}

		for _, value := range values {
			if !strings.Contains(string(encoded), value) {
				return false
			}
		}
	}

	return true
}

func outcome(code, diagnostics string) fhir.RawResource {
	return fhir.NewResource("OperationOutcome", map[string]any{
		"issue": []any{map[string]any{
			"severity":    "error",
			"code":        code,
			"diagnostics": diagnostics,
		}},
	})
}

func etagOf(res fhir.RawResource) string {
	return `W/"` + res.VersionID() + `"`
}

func decode(data []byte) fhir.RawResource {
	var res fhir.RawResource
	if json.Unmarshal(data, &res) != nil {
		return nil
	}

	return res
}

func clone(res fhir.RawResource) fhir.RawResource {
	data, _ := json.Marshal(res)

	return decode(data)
}
