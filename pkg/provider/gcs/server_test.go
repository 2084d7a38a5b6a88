package gcs

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3leaps/gonube/pkg/provider"
)

// objectServer is an in-memory Cloud Storage endpoint. It answers the OAuth
// token exchange, JSON API uploads (multipart and resumable) and listings,
// and media reads over both the JSON and XML APIs.
type objectServer struct {
	mu      sync.Mutex
	buckets map[string]map[string]storedObject
	uploads map[string]*pendingUpload
	nextID  int
}

type storedObject struct {
	data       []byte
	generation int64
	modified   time.Time
}

type pendingUpload struct {
	bucket, name string
	data         []byte
}

type objectResource struct {
	Kind       string `json:"kind"`
	Bucket     string `json:"bucket"`
	Name       string `json:"name"`
	Size       string `json:"size"`
	Generation string `json:"generation"`
	Etag       string `json:"etag"`
	Md5Hash    string `json:"md5Hash"`
	Updated    string `json:"updated"`
}

func newObjectServer(t *testing.T, buckets ...string) (*objectServer, *httptest.Server) {
	t.Helper()
	s := &objectServer{
		buckets: map[string]map[string]storedObject{},
		uploads: map[string]*pendingUpload{},
	}
	for _, b := range buckets {
		s.buckets[b] = map[string]storedObject{}
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

// credentials returns a service-account key whose token_uri and API
// endpoint both point at srv.
func (s *objectServer) credentials(t *testing.T, srv *httptest.Server, bucket string) provider.Credentials {
	key := serviceAccountKey(t)
	key["token_uri"] = srv.URL + "/token"
	return provider.Credentials{"key_file": key, "bucket_name": bucket, "endpoint": srv.URL}
}

func (s *objectServer) object(bucket, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][name]
	return obj.data, ok
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"ya29.test","token_type":"Bearer","expires_in":3600}`)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/upload/storage/v1/b/"):
		s.upload(w, r)
	case strings.HasPrefix(r.URL.Path, "/storage/v1/b/"):
		s.api(w, r)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		bucket, name, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
		obj, ok := s.buckets[bucket][name]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>")
			return
		}
		serveMedia(w, r, name, obj)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, r.Method)
	}
}

func (s *objectServer) upload(w http.ResponseWriter, r *http.Request) {
	bucket, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/upload/storage/v1/b/"), "/")
	q := r.URL.Query()

	if id := q.Get("upload_id"); id != "" {
		s.resume(w, r, id)
		return
	}
	if _, ok := s.buckets[bucket]; !ok {
		writeAPIError(w, http.StatusNotFound, "The specified bucket does not exist.")
		return
	}

	switch q.Get("uploadType") {
	case "multipart":
		name, data, err := readMultipart(r)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, err.Error())
			return
		}
		if name == "" {
			name = q.Get("name")
		}
		s.store(w, bucket, name, data)
	case "media":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.store(w, bucket, q.Get("name"), data)
	case "resumable":
		var meta struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&meta)
		if meta.Name == "" {
			meta.Name = q.Get("name")
		}
		s.nextID++
		id := strconv.Itoa(s.nextID)
		s.uploads[id] = &pendingUpload{bucket: bucket, name: meta.Name}
		w.Header().Set("Location", "http://"+r.Host+r.URL.Path+"?uploadType=resumable&upload_id="+id)
		w.WriteHeader(http.StatusOK)
	default:
		writeAPIError(w, http.StatusBadRequest, "unsupported uploadType "+q.Get("uploadType"))
	}
}

// resume appends one chunk of a resumable upload and finalizes it once the
// total size from Content-Range has arrived.
func (s *objectServer) resume(w http.ResponseWriter, r *http.Request, id string) {
	u, ok := s.uploads[id]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "unknown upload "+id)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	u.data = append(u.data, data...)

	total := -1
	if _, t, found := strings.Cut(r.Header.Get("Content-Range"), "/"); found && t != "*" {
		total, _ = strconv.Atoi(t)
	}
	if total < 0 || len(u.data) < total {
		if len(u.data) > 0 {
			w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(u.data)-1))
		}
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}
	delete(s.uploads, id)
	s.store(w, u.bucket, u.name, u.data)
}

func readMultipart(r *http.Request) (string, []byte, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return "", nil, err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", nil, fmt.Errorf("unexpected content type %q", mediaType)
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	part, err := mr.NextPart()
	if err != nil {
		return "", nil, err
	}
	var meta struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(part).Decode(&meta); err != nil {
		return "", nil, fmt.Errorf("metadata part: %w", err)
	}

	part, err = mr.NextPart()
	if err != nil {
		return "", nil, err
	}
	data, err := io.ReadAll(part)
	return meta.Name, data, err
}

func (s *objectServer) store(w http.ResponseWriter, bucket, name string, data []byte) {
	obj := storedObject{
		data:       data,
		generation: time.Now().UnixNano(),
		modified:   time.Now().UTC().Truncate(time.Millisecond),
	}
	s.buckets[bucket][name] = obj
	writeJSON(w, resource(bucket, name, obj))
}

func (s *objectServer) api(w http.ResponseWriter, r *http.Request) {
	bucket, tail, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/storage/v1/b/"), "/")
	objects, ok := s.buckets[bucket]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "The specified bucket does not exist.")
		return
	}

	switch {
	case tail == "" && r.Method == http.MethodGet:
		writeJSON(w, map[string]string{"kind": "storage#bucket", "name": bucket})
	case tail == "o" && r.Method == http.MethodGet:
		s.list(w, r, bucket, objects)
	case strings.HasPrefix(tail, "o/") && r.Method == http.MethodGet:
		name := strings.TrimPrefix(tail, "o/")
		obj, found := objects[name]
		if !found {
			writeAPIError(w, http.StatusNotFound, "No such object: "+bucket+"/"+name)
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			serveMedia(w, r, name, obj)
			return
		}
		writeJSON(w, resource(bucket, name, obj))
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, r.Method)
	}
}

func (s *objectServer) list(w http.ResponseWriter, r *http.Request, bucket string, objects map[string]storedObject) {
	q := r.URL.Query()
	prefix, delim := q.Get("prefix"), q.Get("delimiter")
	limit := 1000
	if v, err := strconv.Atoi(q.Get("maxResults")); err == nil && v > 0 {
		limit = v
	}

	names := make([]string, 0, len(objects))
	for n := range objects {
		names = append(names, n)
	}
	sort.Strings(names)

	res := struct {
		Kind     string           `json:"kind"`
		Items    []objectResource `json:"items,omitempty"`
		Prefixes []string         `json:"prefixes,omitempty"`
	}{Kind: "storage#objects"}
	seen := map[string]bool{}
	count := 0
	for _, n := range names {
		if !strings.HasPrefix(n, prefix) || count >= limit {
			continue
		}
		rest := n[len(prefix):]
		if i := strings.Index(rest, delim); delim != "" && i >= 0 {
			p := prefix + rest[:i+len(delim)]
			if !seen[p] {
				seen[p] = true
				res.Prefixes = append(res.Prefixes, p)
				count++
			}
			continue
		}
		res.Items = append(res.Items, resource(bucket, n, objects[n]))
		count++
	}
	writeJSON(w, res)
}

func resource(bucket, name string, obj storedObject) objectResource {
	sum := md5.Sum(obj.data)
	return objectResource{
		Kind:       "storage#object",
		Bucket:     bucket,
		Name:       name,
		Size:       strconv.Itoa(len(obj.data)),
		Generation: strconv.FormatInt(obj.generation, 10),
		Etag:       hex.EncodeToString(sum[:]),
		Md5Hash:    base64.StdEncoding.EncodeToString(sum[:]),
		Updated:    obj.modified.Format(time.RFC3339Nano),
	}
}

func serveMedia(w http.ResponseWriter, r *http.Request, name string, obj storedObject) {
	w.Header().Set("X-Goog-Generation", strconv.FormatInt(obj.generation, 10))
	w.Header().Set("X-Goog-Metageneration", "1")
	http.ServeContent(w, r, name, obj.modified, bytes.NewReader(obj.data))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"errors":  []map[string]string{{"domain": "global", "reason": http.StatusText(status), "message": message}},
		},
	})
}
