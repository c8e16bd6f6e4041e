package gksync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/oapi-codegen/runtime"
)

// RequestEditorFn  is the function signature for the RequestEditor callback function
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// Doer performs HTTP requests.
//
// The standard http.Client implements this interface.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the table REST API of the remote data service.
type Client struct {
	// The endpoint of the service with scheme, e.g. https://xyz.supabase.co.
	// Table paths are appended to it.
	Server string

	// Doer for performing requests, typically a *http.Client with any
	// customized settings, such as certificate chains.
	Client HttpRequestDoer

	// A list of callbacks for modifying requests which are generated before sending over
	// the network.
	RequestEditors []RequestEditorFn
}

// ClientOption allows setting custom parameters during construction
type ClientOption func(*Client) error

// Creates a new Client, with reasonable defaults
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	client := Client{
		Server: server,
	}
	for _, o := range opts {
		if err := o(&client); err != nil {
			return nil, err
		}
	}
	// ensure the server URL always has a trailing slash
	if !strings.HasSuffix(client.Server, "/") {
		client.Server += "/"
	}
	if client.Client == nil {
		client.Client = &http.Client{}
	}
	return &client, nil
}

// WithHTTPClient allows overriding the default Doer, which is
// automatically created using http.Client. This is useful for tests.
func WithHTTPClient(doer HttpRequestDoer) ClientOption {
	return func(c *Client) error {
		c.Client = doer
		return nil
	}
}

// WithRequestEditorFn allows setting up a callback function, which will be
// called right before sending the request. This can be used to mutate the request.
func WithRequestEditorFn(fn RequestEditorFn) ClientOption {
	return func(c *Client) error {
		c.RequestEditors = append(c.RequestEditors, fn)
		return nil
	}
}

// WithBaseURL overrides the baseURL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) error {
		newBaseURL, err := url.Parse(baseURL)
		if err != nil {
			return err
		}
		c.Server = newBaseURL.String()
		return nil
	}
}

// Filter is one PostgREST-style query condition, e.g. {"date", "eq.2024-01-01"}.
type Filter struct {
	Column string
	Expr   string
}

// Eq builds an equality filter.
func Eq(column, value string) Filter {
	return Filter{Column: column, Expr: "eq." + value}
}

// TableParams are the query parameters accepted by table endpoints.
type TableParams struct {
	Select     string
	Order      string
	OnConflict string
	Filters    []Filter
}

func (c *Client) GetTable(ctx context.Context, table string, params *TableParams, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewTableRequestWithBody(c.Server, http.MethodGet, table, params, "", nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, reqEditors)
}

// PostTable inserts body (an object or an array of objects) into table.
func (c *Client) PostTable(ctx context.Context, table string, params *TableParams, body any, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewTableRequest(c.Server, http.MethodPost, table, params, body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, reqEditors)
}

// PatchTable updates the rows matched by params.Filters.
func (c *Client) PatchTable(ctx context.Context, table string, params *TableParams, body any, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewTableRequest(c.Server, http.MethodPatch, table, params, body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, reqEditors)
}

// Head issues a HEAD request against the table API root.
func (c *Client) Head(ctx context.Context, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewTableRequestWithBody(c.Server, http.MethodHead, "", nil, "", nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, reqEditors)
}

func (c *Client) do(ctx context.Context, req *http.Request, reqEditors []RequestEditorFn) (*http.Response, error) {
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// NewTableRequest generates a table request with a JSON body.
func NewTableRequest(server, method, table string, params *TableParams, body any) (*http.Request, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return NewTableRequestWithBody(server, method, table, params, "application/json", bytes.NewReader(buf))
}

// NewTableRequestWithBody generates requests for /rest/v1/{table} with any type of body
func NewTableRequestWithBody(server, method, table string, params *TableParams, contentType string, body io.Reader) (*http.Request, error) {
	var err error

	operationPath := "/rest/v1/"
	if table != "" {
		var pathParam0 string

		pathParam0, err = runtime.StyleParamWithLocation("simple", false, "table", runtime.ParamLocationPath, table)
		if err != nil {
			return nil, err
		}
		operationPath += pathParam0
	}

	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}

	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}

	queryURL, err := serverURL.Parse(operationPath)
	if err != nil {
		return nil, err
	}

	if params != nil {
		queryValues := queryURL.Query()

		add := func(name, value string) error {
			if value == "" {
				return nil
			}
			queryFrag, err := runtime.StyleParamWithLocation("form", true, name, runtime.ParamLocationQuery, value)
			if err != nil {
				return err
			}
			parsed, err := url.ParseQuery(queryFrag)
			if err != nil {
				return err
			}
			for k, v := range parsed {
				for _, v2 := range v {
					queryValues.Add(k, v2)
				}
			}
			return nil
		}

		if err := add("select", params.Select); err != nil {
			return nil, err
		}
		if err := add("order", params.Order); err != nil {
			return nil, err
		}
		if err := add("on_conflict", params.OnConflict); err != nil {
			return nil, err
		}
		for _, f := range params.Filters {
			if err := add(f.Column, f.Expr); err != nil {
				return nil, err
			}
		}
		queryURL.RawQuery = queryValues.Encode()
	}

	req, err := http.NewRequest(method, queryURL.String(), body)
	if err != nil {
		return nil, err
	}

	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}

	return req, nil
}

func (c *Client) applyEditors(ctx context.Context, req *http.Request, additionalEditors []RequestEditorFn) error {
	for _, r := range c.RequestEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	for _, r := range additionalEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// WithPrefer sets the Prefer header for a single request.
func WithPrefer(value string) RequestEditorFn {
	return func(_ context.Context, req *http.Request) error {
		req.Header.Set("Prefer", value)
		return nil
	}
}
