package azure

import (
	"bytes"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3leaps/gonube/pkg/provider"
)

const devAccountKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

// blobServer is an in-memory Blob service for one storage account. It
// serves Put Blob, Put Block, Put Block List, Get Blob, Get Blob Properties
// and List Blobs, which is everything the adapter calls.
type blobServer struct {
	mu         sync.Mutex
	account    string
	containers map[string]map[string]storedBlob
	blocks     map[string][]byte
}

type storedBlob struct {
	data     []byte
	etag     string
	modified time.Time
}

func newBlobServer(t *testing.T, containers ...string) (*blobServer, *httptest.Server) {
	t.Helper()
	s := &blobServer{
		account:    "devstoreaccount1",
		containers: map[string]map[string]storedBlob{},
		blocks:     map[string][]byte{},
	}
	for _, c := range containers {
		s.containers[c] = map[string]storedBlob{}
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

// credentials returns a shared-key connection string pointing at srv.
func (s *blobServer) credentials(srv *httptest.Server, container string) provider.Credentials {
	conn := "DefaultEndpointsProtocol=http;AccountName=" + s.account + ";AccountKey=" + devAccountKey +
		";BlobEndpoint=" + srv.URL + "/" + s.account + ";"
	return provider.Credentials{"connection_string": conn, "container_name": container}
}

func (s *blobServer) blob(container, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.containers[container][name]
	return b.data, ok
}

func (s *blobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/"+s.account+"/")
	if !ok {
		writeBlobError(w, http.StatusBadRequest, "InvalidUri", "unknown account")
		return
	}
	container, name, _ := strings.Cut(rest, "/")
	q := r.URL.Query()

	s.mu.Lock()
	defer s.mu.Unlock()

	blobs, ok := s.containers[container]
	if !ok {
		writeBlobError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}

	switch {
	case name == "" && r.Method == http.MethodGet && q.Get("comp") == "list":
		s.list(w, q, container, blobs)
	case name == "":
		writeBlobError(w, http.StatusBadRequest, "UnsupportedQueryParameter", r.URL.RawQuery)
	case r.Method == http.MethodPut && q.Get("comp") == "block":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeBlobError(w, http.StatusBadRequest, "InvalidInput", err.Error())
			return
		}
		s.blocks[container+"/"+name+"/"+q.Get("blockid")] = data
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut && q.Get("comp") == "blocklist":
		var list struct {
			Latest      []string `xml:"Latest"`
			Uncommitted []string `xml:"Uncommitted"`
		}
		if err := xml.NewDecoder(r.Body).Decode(&list); err != nil {
			writeBlobError(w, http.StatusBadRequest, "InvalidXmlDocument", err.Error())
			return
		}
		var buf bytes.Buffer
		for _, id := range append(list.Latest, list.Uncommitted...) {
			block, found := s.blocks[container+"/"+name+"/"+id]
			if !found {
				writeBlobError(w, http.StatusBadRequest, "InvalidBlockList", id)
				return
			}
			buf.Write(block)
			delete(s.blocks, container+"/"+name+"/"+id)
		}
		s.store(w, blobs, name, buf.Bytes())
	case r.Method == http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeBlobError(w, http.StatusBadRequest, "InvalidInput", err.Error())
			return
		}
		s.store(w, blobs, name, data)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		b, found := blobs[name]
		if !found {
			writeBlobError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
			return
		}
		if rng := r.Header.Get("x-ms-range"); rng != "" && r.Header.Get("Range") == "" {
			r.Header.Set("Range", rng)
		}
		w.Header().Set("ETag", b.etag)
		w.Header().Set("x-ms-blob-type", "BlockBlob")
		http.ServeContent(w, r, "", b.modified, bytes.NewReader(b.data))
	default:
		writeBlobError(w, http.StatusMethodNotAllowed, "UnsupportedHttpVerb", r.Method)
	}
}

func (s *blobServer) store(w http.ResponseWriter, blobs map[string]storedBlob, name string, data []byte) {
	sum := md5.Sum(data)
	b := storedBlob{
		data:     data,
		etag:     fmt.Sprintf(`"0x%X"`, sum[:8]),
		modified: time.Now().UTC().Truncate(time.Second),
	}
	blobs[name] = b

	w.Header().Set("ETag", b.etag)
	w.Header().Set("Last-Modified", b.modified.Format(http.TimeFormat))
	w.WriteHeader(http.StatusCreated)
}

type enumerationResults struct {
	XMLName         xml.Name    `xml:"EnumerationResults"`
	ServiceEndpoint string      `xml:"ServiceEndpoint,attr"`
	ContainerName   string      `xml:"ContainerName,attr"`
	Prefix          string      `xml:"Prefix,omitempty"`
	Delimiter       string      `xml:"Delimiter,omitempty"`
	MaxResults      int         `xml:"MaxResults,omitempty"`
	Blobs           listedBlobs `xml:"Blobs"`
	NextMarker      string      `xml:"NextMarker"`
}

type listedBlobs struct {
	Blob       []listedBlob   `xml:"Blob"`
	BlobPrefix []listedPrefix `xml:"BlobPrefix"`
}

type listedBlob struct {
	Name       string         `xml:"Name"`
	Properties blobProperties `xml:"Properties"`
}

type blobProperties struct {
	LastModified  string `xml:"Last-Modified"`
	ETag          string `xml:"Etag"`
	ContentLength int64  `xml:"Content-Length"`
	BlobType      string `xml:"BlobType"`
}

type listedPrefix struct {
	Name string `xml:"Name"`
}

func (s *blobServer) list(w http.ResponseWriter, q url.Values, container string, blobs map[string]storedBlob) {
	prefix, delim := q.Get("prefix"), q.Get("delimiter")
	limit := 5000
	if v, err := strconv.Atoi(q.Get("maxresults")); err == nil && v > 0 {
		limit = v
	}

	names := make([]string, 0, len(blobs))
	for n := range blobs {
		names = append(names, n)
	}
	sort.Strings(names)

	res := enumerationResults{ContainerName: container, Prefix: prefix, Delimiter: delim, MaxResults: limit}
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
				res.Blobs.BlobPrefix = append(res.Blobs.BlobPrefix, listedPrefix{Name: p})
				count++
			}
			continue
		}
		b := blobs[n]
		res.Blobs.Blob = append(res.Blobs.Blob, listedBlob{
			Name: n,
			Properties: blobProperties{
				LastModified:  b.modified.Format(http.TimeFormat),
				ETag:          b.etag,
				ContentLength: int64(len(b.data)),
				BlobType:      "BlockBlob",
			},
		})
		count++
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(res)
}

// writeBlobError sets x-ms-error-code as well as the body, since HEAD
// responses carry no body.
func writeBlobError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("x-ms-error-code", code)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "%s<Error><Code>%s</Code><Message>%s</Message></Error>", xml.Header, code, message)
}
