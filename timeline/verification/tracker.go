// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package verification follows device-verification flows seen on the to-device
// channel. It only records where each flow is; the cryptography and the user
// decisions live in the transport's crypto layer.
package verification

import (
	"errors"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/retrix/timeline/types"
)

// Step is the position of a flow.
type Step int

const (
	StepRequested Step = iota + 1
	StepReady
	StepStarted
	StepAccepted
	StepKeysExchanged
	StepDone
	StepCancelled
)

func (s Step) String() string {
	switch s {
	case StepRequested:
		return "requested"
	case StepReady:
		return "ready"
	case StepStarted:
		return "started"
	case StepAccepted:
		return "accepted"
	case StepKeysExchanged:
		return "keys_exchanged"
	case StepDone:
		return "done"
	case StepCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Finished is true for done and cancelled flows.
func (s Step) Finished() bool {
	return s == StepDone || s == StepCancelled
}

// ready and done are not declared as to-device types by mautrix.
const (
	typeVerificationReady = "m.key.verification.ready"
	typeVerificationDone  = "m.key.verification.done"
)

var steps = map[string]Step{
	event.ToDeviceVerificationRequest.Type: StepRequested,
	typeVerificationReady:                  StepReady,
	event.ToDeviceVerificationStart.Type:   StepStarted,
	event.ToDeviceVerificationAccept.Type:  StepAccepted,
	event.ToDeviceVerificationKey.Type:     StepKeysExchanged,
	event.ToDeviceVerificationMAC.Type:     StepKeysExchanged,
	typeVerificationDone:                   StepDone,
	event.ToDeviceVerificationCancel.Type:  StepCancelled,
}

var (
	// ErrNotVerification is returned for to-device events outside the verification namespace.
	ErrNotVerification = errors.New("not a verification event")
	// ErrNoTransaction is returned for verification events without a transaction id.
	ErrNoTransaction = errors.New("verification event has no transaction id")
)

// Flow is one verification exchange with another device.
type Flow struct {
	TransactionID string
	Peer          id.UserID
	FromDevice    id.DeviceID
	Methods       []string
	Step          Step
	CancelCode    string
	CancelReason  string
}

// Tracker holds the flows keyed by transaction id.
type Tracker struct {
	flows map[string]*Flow
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{flows: make(map[string]*Flow)}
}

// Observe advances the flow an incoming to-device event belongs to. A flow
// seen for the first time starts at whatever step the event represents.
// Finished flows do not move any further.
func (t *Tracker) Observe(ev *types.ToDeviceEvent) (*Flow, error) {
	step, ok := steps[ev.Type]
	if !ok {
		return nil, ErrNotVerification
	}
	txnID := ev.TransactionID()
	if txnID == "" {
		return nil, ErrNoTransaction
	}

	flow, ok := t.flows[txnID]
	if !ok {
		flow = &Flow{TransactionID: txnID, Peer: ev.Sender}
		t.flows[txnID] = flow
	}
	if flow.Step.Finished() {
		return flow, nil
	}

	content := gjson.ParseBytes(ev.Content)
	if device := content.Get("from_device").String(); device != "" {
		flow.FromDevice = id.DeviceID(device)
	}
	if methods := content.Get("methods"); methods.IsArray() {
		flow.Methods = flow.Methods[:0]
		for _, m := range methods.Array() {
			flow.Methods = append(flow.Methods, m.String())
		}
	}
	if step == StepCancelled {
		flow.CancelCode = content.Get("code").String()
		flow.CancelReason = content.Get("reason").String()
	}
	if step > flow.Step {
		flow.Step = step
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": txnID,
		"peer":           flow.Peer,
		"step":           flow.Step.String(),
	}).Debug("Verification flow advanced")
	return flow, nil
}

// Get returns the flow for a transaction id.
func (t *Tracker) Get(txnID string) (*Flow, bool) {
	flow, ok := t.flows[txnID]
	return flow, ok
}

// Pending lists unfinished flows ordered by transaction id.
func (t *Tracker) Pending() []*Flow {
	var out []*Flow
	for _, flow := range t.flows {
		if !flow.Step.Finished() {
			out = append(out, flow)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

// Forget drops a flow, typically once the user has dismissed a finished one.
func (t *Tracker) Forget(txnID string) {
	delete(t.flows, txnID)
}
