/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gookit/goutil/dump"
)

// ApiClient is cascadectl's HTTP client for the control plane in
// httpapi.go.
type ApiClient struct {
	Name       string
	Client     *http.Client
	BaseUrl    string
	apiKey     string
	AuthMethod string
	Verbose    bool
	Debug      bool
}

// NewClient builds an ApiClient for baseurl, authenticating with apikey via
// authmethod ("X-API-Key" or "Authorization"). rootcafile may be
// "insecure" to skip TLS verification (development use) or a path to a
// CA bundle; an empty baseurl scheme of "http" needs no TLS config at all,
// but the client is built the same way regardless since http.Transport
// ignores TLSClientConfig for plain HTTP requests.
func NewClient(name, baseurl, apikey, authmethod, rootcafile string, verbose, debug bool) *ApiClient {
	api := ApiClient{
		Name:       name,
		BaseUrl:    baseurl,
		apiKey:     apikey,
		AuthMethod: authmethod,
		Verbose:    verbose,
		Debug:      debug,
	}

	tlsconfig := &tls.Config{}
	switch rootcafile {
	case "insecure", "":
		tlsconfig.InsecureSkipVerify = true
	default:
		rootCAPool := x509.NewCertPool()
		rootCA, err := os.ReadFile(rootcafile)
		if err != nil {
			log.Fatalf("NewClient: reading root CA file %q: %v", rootcafile, err)
		}
		rootCAPool.AppendCertsFromPEM(rootCA)
		tlsconfig.RootCAs = rootCAPool
	}

	api.Client = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsconfig},
	}

	if debug {
		log.Printf("NewClient: %s API client: baseurl=%s authmethod=%s", name, api.BaseUrl, api.AuthMethod)
	}
	return &api
}

func (api *ApiClient) requestHelper(req *http.Request) (int, []byte, error) {
	req.Header.Add("Content-Type", "application/json")

	switch api.AuthMethod {
	case "":
	case "X-API-Key":
		req.Header.Add("X-API-Key", api.apiKey)
	case "Authorization":
		req.Header.Add("Authorization", fmt.Sprintf("token %s", api.apiKey))
	default:
		return 501, nil, fmt.Errorf("requestHelper: unknown auth method: %s", api.AuthMethod)
	}

	if api.Debug {
		log.Printf("requestHelper: %s %s (auth method %q)", req.Method, req.URL, api.AuthMethod)
	}

	resp, err := api.Client.Do(req)
	if err != nil {
		return 501, nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}
	if api.Debug {
		log.Printf("requestHelper: received %d bytes of response data", buf.Len())
		var asJSON interface{}
		if err := json.Unmarshal(buf.Bytes(), &asJSON); err == nil {
			dump.P(asJSON)
		}
	}
	return resp.StatusCode, buf.Bytes(), nil
}

// Post sends data as the body of a POST to endpoint.
func (api *ApiClient) Post(endpoint string, data []byte) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodPost, api.BaseUrl+endpoint, bytes.NewBuffer(data))
	if err != nil {
		return 0, nil, fmt.Errorf("Post: %w", err)
	}
	return api.requestHelper(req)
}

// Get issues a GET against endpoint.
func (api *ApiClient) Get(endpoint string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, api.BaseUrl+endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("Get: %w", err)
	}
	return api.requestHelper(req)
}

// Put sends data as the body of a PUT to endpoint.
func (api *ApiClient) Put(endpoint string, data []byte) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodPut, api.BaseUrl+endpoint, bytes.NewBuffer(data))
	if err != nil {
		return 0, nil, fmt.Errorf("Put: %w", err)
	}
	return api.requestHelper(req)
}

// Delete issues a DELETE against endpoint.
func (api *ApiClient) Delete(endpoint string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodDelete, api.BaseUrl+endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("Delete: %w", err)
	}
	return api.requestHelper(req)
}
