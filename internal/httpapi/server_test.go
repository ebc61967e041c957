// Copyright 2025 Esteban Alvarez. All Rights Reserved.
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

package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"streamlite/internal/engine/backend"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore/memstore"
)

func newTestServer() *httptest.Server {
	b := backend.New(memstore.New())
	srv := NewServer(b)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func TestBasinAndStreamLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()
	client := ts.Client()

	cfg := kvschema.BasinConfig{DefaultStreamConfig: kvschema.StreamConfig{
		StorageClass:     "standard",
		TimestampingMode: kvschema.TimestampingArrival,
	}}
	body, _ := json.Marshal(cfg)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/basins/b1", bytes.NewReader(body))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT basin: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT basin status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/v1/basins/b1/streams/s1", bytes.NewReader([]byte("{}")))
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("PUT stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT stream status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = client.Get(ts.URL + "/v1/basins/b1/streams/s1/tail")
	if err != nil {
		t.Fatalf("GET tail: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET tail status = %d, want 200", resp.StatusCode)
	}
}

func TestAppendThenReadOverHTTP(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()
	client := ts.Client()

	cfg := kvschema.BasinConfig{DefaultStreamConfig: kvschema.StreamConfig{
		StorageClass:     "standard",
		TimestampingMode: kvschema.TimestampingArrival,
	}}
	body, _ := json.Marshal(cfg)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/basins/b1", bytes.NewReader(body))
	mustOK(t, client, req)

	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/v1/basins/b1/streams/s1", bytes.NewReader([]byte("{}")))
	mustOK(t, client, req)

	appendBody, _ := json.Marshal(appendRequestWire{
		Records: []appendRecordWire{
			{Body: "hello"},
			{Body: "world"},
		},
	})
	resp, err := client.Post(ts.URL+"/v1/basins/b1/streams/s1/records", "application/json", bytes.NewReader(appendBody))
	if err != nil {
		t.Fatalf("POST records: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST records status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = client.Get(ts.URL + "/v1/basins/b1/streams/s1/records?seq_num=0&count_limit=2")
	if err != nil {
		t.Fatalf("GET records: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var bodies []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var batch readBatchWire
		if err := json.Unmarshal([]byte(line), &batch); err != nil {
			t.Fatalf("decoding ndjson line %q: %v", line, err)
		}
		for _, r := range batch.Records {
			bodies = append(bodies, r.Body)
		}
	}
	if len(bodies) != 2 || bodies[0] != "hello" || bodies[1] != "world" {
		t.Fatalf("got bodies %v, want [hello world]", bodies)
	}
}

func mustOK(t *testing.T, client *http.Client, req *http.Request) {
	t.Helper()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s %s status = %d, want 200", req.Method, req.URL, resp.StatusCode)
	}
}
