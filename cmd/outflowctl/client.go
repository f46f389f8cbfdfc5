/*
OutFlow MTA - high-throughput outbound mail transfer agent.
Copyright © 2024 OutFlow MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command outflowctl is a thin HTTP client for the outflowd admin API:
// unlike maddyctl, which opens the target server's own config and local
// databases directly, outflowd's admin surface is a network API, so
// outflowctl's only job is to compose one JSON request, send it, and
// print the response.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// client carries the connection details every outflowctl command shares:
// the admin API base URL and whichever one of the three authentication
// methods internal/ingress/httpapi's authenticate middleware accepts was
// configured on the command line.
type client struct {
	baseURL    string
	basicUser  string
	basicPass  string
	bearer     string
	httpClient *http.Client
}

func newClient(baseURL, basicUser, basicPass, bearer string, timeout time.Duration) *client {
	return &client{
		baseURL:   baseURL,
		basicUser: basicUser,
		basicPass: basicPass,
		bearer:    bearer,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiError mirrors the {"error": "..."} body respondError writes on any
// non-2xx admin API response.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("outflowd admin API: %d: %s", e.StatusCode, e.Message)
}

func (c *client) do(method, path string, query url.Values, body interface{}, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.basicUser != "" {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		json.Unmarshal(raw, &errBody)
		return &apiError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// criteria is the match_criteria object bounce/suspend/suspend-ready-q
// all accept (rebind does not), mirrored field-for-field from
// internal/ingress/httpapi's criteriaRequest.
type criteria struct {
	Campaign      *string `json:"campaign,omitempty"`
	Tenant        *string `json:"tenant,omitempty"`
	Domain        *string `json:"domain,omitempty"`
	RoutingDomain *string `json:"routing_domain,omitempty"`
	Queue         *string `json:"queue,omitempty"`
}

type overlayID struct {
	ID string `json:"id"`
}

func (c *client) Bounce(crit criteria, reason string, code int, duration string) (overlayID, error) {
	var out overlayID
	err := c.do(http.MethodPost, "/api/admin/bounce/v1", nil, map[string]interface{}{
		"criteria": crit,
		"reason":   reason,
		"code":     code,
		"duration": duration,
	}, &out)
	return out, err
}

func (c *client) Suspend(crit criteria, duration string) (overlayID, error) {
	var out overlayID
	err := c.do(http.MethodPost, "/api/admin/suspend/v1", nil, map[string]interface{}{
		"criteria": crit,
		"duration": duration,
	}, &out)
	return out, err
}

func (c *client) SuspendReadyQ(crit criteria, duration string) (overlayID, error) {
	var out overlayID
	err := c.do(http.MethodPost, "/api/admin/suspend-ready-q/v1", nil, map[string]interface{}{
		"criteria": crit,
		"duration": duration,
	}, &out)
	return out, err
}

func (c *client) SuspendList() (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(http.MethodGet, "/api/admin/suspend/v1", nil, nil, &out)
	return out, err
}

func (c *client) SuspendCancel(id string) error {
	q := url.Values{"id": []string{id}}
	return c.do(http.MethodDelete, "/api/admin/suspend/v1", q, nil, nil)
}

func (c *client) Rebind(queue string, data map[string]interface{}, alwaysFlush bool) error {
	return c.do(http.MethodPost, "/api/admin/rebind/v1", nil, map[string]interface{}{
		"queue":        queue,
		"data":         data,
		"always_flush": alwaysFlush,
	}, nil)
}

func (c *client) Xfer(queue, destURL string) (int, error) {
	var out struct {
		Moved int `json:"moved"`
	}
	err := c.do(http.MethodPost, "/api/admin/xfer/v1", nil, map[string]interface{}{
		"queue": queue,
		"url":   destURL,
	}, &out)
	return out.Moved, err
}

func (c *client) XferCancel(xferQueue string) (int, error) {
	var out struct {
		Restored int `json:"restored"`
	}
	err := c.do(http.MethodPost, "/api/admin/xfer/cancel/v1", nil, map[string]interface{}{
		"xfer_queue": xferQueue,
	}, &out)
	return out.Restored, err
}

func (c *client) InspectSchedQ(queue string) (json.RawMessage, error) {
	var q url.Values
	if queue != "" {
		q = url.Values{"queue": []string{queue}}
	}
	var out json.RawMessage
	err := c.do(http.MethodGet, "/api/admin/inspect-sched-q/v1", q, nil, &out)
	return out, err
}

func (c *client) ReadyQStates() (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(http.MethodGet, "/api/admin/ready-q-states/v1", nil, nil, &out)
	return out, err
}

type injectResult struct {
	SuccessCount int      `json:"success_count"`
	FailCount    int      `json:"fail_count"`
	Errors       []string `json:"errors,omitempty"`
}

func (c *client) Inject(envelopeSender string, recipients []string, content interface{}, deferredGeneration bool) (injectResult, error) {
	var out injectResult
	err := c.do(http.MethodPost, "/api/inject/v1", nil, map[string]interface{}{
		"envelope_sender":     envelopeSender,
		"recipients":          recipients,
		"content":             content,
		"deferred_generation": deferredGeneration,
	}, &out)
	return out, err
}
