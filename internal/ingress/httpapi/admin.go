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

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/overlay"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/schedq"
)

// criteriaRequest is the match_criteria object the bounce, suspend and
// suspend-ready-q endpoints all accept verbatim: a nil field means "any",
// exactly as overlay.Criteria documents. The rebind endpoint does not take
// criteria; it selects messages by a single scheduled-queue name.
type criteriaRequest struct {
	Campaign      *string `json:"campaign,omitempty"`
	Tenant        *string `json:"tenant,omitempty"`
	Domain        *string `json:"domain,omitempty"`
	RoutingDomain *string `json:"routing_domain,omitempty"`
	Queue         *string `json:"queue,omitempty"`
}

func (c criteriaRequest) toOverlay() overlay.Criteria {
	return overlay.Criteria{
		Campaign:      c.Campaign,
		Tenant:        c.Tenant,
		Domain:        c.Domain,
		RoutingDomain: c.RoutingDomain,
		Queue:         c.Queue,
	}
}

type bounceRequest struct {
	Criteria criteriaRequest `json:"criteria"`
	Reason   string          `json:"reason"`
	Code     int             `json:"code"`
	Duration string          `json:"duration"`
}

func (endp *Endpoint) handleBounce(w http.ResponseWriter, r *http.Request) {
	var req bounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	expires, err := parseOptionalDuration(req.Duration)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "malformed duration: "+err.Error())
		return
	}

	overlayID := endp.cfg.Overlays.Insert(overlay.Entry{
		Kind:      overlay.KindBounce,
		Criteria:  req.Criteria.toOverlay(),
		Reason:    req.Reason,
		Code:      req.Code,
		ExpiresAt: expires,
	})

	respondJSON(w, http.StatusOK, map[string]string{"id": overlayID})
}

type suspendRequest struct {
	Criteria criteriaRequest `json:"criteria"`
	Duration string          `json:"duration"`
}

func (endp *Endpoint) handleSuspendCreate(w http.ResponseWriter, r *http.Request) {
	endp.createSuspendOverlay(w, r, overlay.KindSuspend)
}

func (endp *Endpoint) handleSuspendReadyQ(w http.ResponseWriter, r *http.Request) {
	endp.createSuspendOverlay(w, r, overlay.KindSuspendReadyQ)
}

func (endp *Endpoint) createSuspendOverlay(w http.ResponseWriter, r *http.Request, kind overlay.Kind) {
	var req suspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	dur, err := time.ParseDuration(req.Duration)
	if err != nil || dur <= 0 {
		respondError(w, http.StatusUnprocessableEntity, "duration must be a positive Go duration string")
		return
	}
	until := time.Now().Add(dur)

	overlayID := endp.cfg.Overlays.Insert(overlay.Entry{
		Kind:         kind,
		Criteria:     req.Criteria.toOverlay(),
		SuspendUntil: until,
		ExpiresAt:    until,
	})

	respondJSON(w, http.StatusOK, map[string]string{"id": overlayID})
}

func (endp *Endpoint) handleSuspendList(w http.ResponseWriter, r *http.Request) {
	entries := endp.cfg.Overlays.List(overlay.KindSuspend)
	entries = append(entries, endp.cfg.Overlays.List(overlay.KindSuspendReadyQ)...)
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (endp *Endpoint) handleSuspendCancel(w http.ResponseWriter, r *http.Request) {
	overlayID := r.URL.Query().Get("id")
	if overlayID == "" {
		respondError(w, http.StatusBadRequest, "id query parameter is required")
		return
	}
	endp.cfg.Overlays.Cancel(overlayID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type rebindRequest struct {
	Queue       string                 `json:"queue"`
	Data        map[string]interface{} `json:"data"`
	AlwaysFlush bool                   `json:"always_flush"`
}

func (endp *Endpoint) handleRebind(w http.ResponseWriter, r *http.Request) {
	var req rebindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Queue == "" {
		respondError(w, http.StatusBadRequest, "queue is required")
		return
	}

	overrides, err := jsonToValueMap(req.Data)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "malformed data field: "+err.Error())
		return
	}

	mutate := func(msg *message.Message) error {
		for k, v := range overrides {
			sv, ok := v.AsString()
			if !ok {
				continue
			}
			if err := msg.SetMeta(k, sv); err != nil {
				return err
			}
		}
		return nil
	}

	err = endp.cfg.Scheduled.RebindAll(r.Context(), req.Queue, endp.loadMessage, mutate, req.AlwaysFlush)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "rebound"})
}

type xferRequest struct {
	Queue string `json:"queue"`
	URL   string `json:"url"`
}

func (endp *Endpoint) handleXfer(w http.ResponseWriter, r *http.Request) {
	var req xferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Queue == "" || req.URL == "" {
		respondError(w, http.StatusBadRequest, "queue and url are required")
		return
	}

	moved, err := endp.cfg.Scheduled.XferAll(req.Queue, req.URL, endp.loadMessage)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

type xferCancelRequest struct {
	XferQueue string `json:"xfer_queue"`
}

func (endp *Endpoint) handleXferCancel(w http.ResponseWriter, r *http.Request) {
	var req xferCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.XferQueue == "" {
		respondError(w, http.StatusBadRequest, "xfer_queue is required")
		return
	}

	restored, err := endp.cfg.Scheduled.CancelXferAll(req.XferQueue, endp.loadMessage)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"restored": restored})
}

type schedQInspection struct {
	Queue         string  `json:"queue"`
	Campaign      *string `json:"campaign,omitempty"`
	Tenant        *string `json:"tenant,omitempty"`
	Domain        *string `json:"domain,omitempty"`
	RoutingDomain *string `json:"routing_domain,omitempty"`
	Depth         int     `json:"depth"`
}

func (endp *Endpoint) handleInspectSchedQ(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("queue")
	if name == "" {
		var out []schedQInspection
		for _, n := range endp.cfg.Scheduled.Names() {
			out = append(out, endp.inspectOne(n))
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"queues": out})
		return
	}

	if _, ok := endp.cfg.Scheduled.Get(name); !ok {
		respondError(w, http.StatusNotFound, "no live queue by that name")
		return
	}
	respondJSON(w, http.StatusOK, endp.inspectOne(name))
}

func (endp *Endpoint) inspectOne(name string) schedQInspection {
	campaign, tenant, domain, routingDomain := schedq.SplitQueueName(name)
	depth := 0
	if q, ok := endp.cfg.Scheduled.Get(name); ok {
		depth = q.Len()
	}
	return schedQInspection{
		Queue:         name,
		Campaign:      campaign,
		Tenant:        tenant,
		Domain:        domain,
		RoutingDomain: routingDomain,
		Depth:         depth,
	}
}

func (endp *Endpoint) handleReadyQStates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"queues": endp.cfg.Ready.States()})
}

// loadMessage satisfies the loadMsg callback schedq.Registry's
// admin-facing methods require, reconstructing a full *message.Message
// from the spool alone.
func (endp *Endpoint) loadMessage(msgID id.SpoolId) (*message.Message, error) {
	return message.LoadFromSpool(msgID, endp.cfg.Spool)
}

func parseOptionalDuration(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(dur), nil
}

// jsonToValueMap converts a decoded JSON object into policy.Value, the
// same currency internal/policy's routing decisions use for
// MetaOverrides, so an admin-supplied rebind data{} field is handled no
// differently than a policy-produced override. No such converter existed
// anywhere in the codebase before this package needed one.
func jsonToValueMap(data map[string]interface{}) (map[string]policy.Value, error) {
	out := make(map[string]policy.Value, len(data))
	for k, v := range data {
		val, err := jsonToValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

func jsonToValue(v interface{}) (policy.Value, error) {
	switch t := v.(type) {
	case nil:
		return policy.Value{}, nil
	case string:
		return policy.String(t), nil
	case bool:
		return policy.Bool(t), nil
	case float64:
		if t == float64(int64(t)) {
			return policy.Int(int64(t)), nil
		}
		return policy.Float(t), nil
	case []interface{}:
		arr := make([]policy.Value, 0, len(t))
		for _, elem := range t {
			ev, err := jsonToValue(elem)
			if err != nil {
				return policy.Value{}, err
			}
			arr = append(arr, ev)
		}
		return policy.Array(arr), nil
	case map[string]interface{}:
		obj, err := jsonToValueMap(t)
		if err != nil {
			return policy.Value{}, err
		}
		return policy.Object(obj), nil
	default:
		return policy.Value{}, fmt.Errorf("unsupported JSON value type %T", v)
	}
}
