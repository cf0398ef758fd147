/*
Copyright (C) 2026  corewal contributors

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

package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/xlog"
)

// State is one node in the applier's client-side state machine.
type State int

const (
	Off State = iota
	Connecting
	Connected
	Authenticating
	Joining
	Joined
	Subscribing
	Following
	Disconnected
	Stopped
)

func (s State) String() string {
	names := [...]string{"OFF", "CONNECT", "CONNECTED", "AUTH", "JOIN", "JOINED", "SUBSCRIBE", "FOLLOW", "DISCONNECTED", "STOPPED"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ErrConnectionToSelf is fatal: the configured peer is this very instance.
var ErrConnectionToSelf = errors.New("replication: connection to self")

// ErrServerUUIDMismatch is fatal: the peer's identity changed since last
// remembered.
var ErrServerUUIDMismatch = errors.New("replication: peer server uuid mismatch")

const reconnectDelay = time.Second

// Applier is one background replication source: it connects to a peer,
// optionally JOINs to bootstrap, then SUBSCRIBEs and feeds incoming rows
// into the same ApplyFunc used by local recovery (spec §4.7).
type Applier struct {
	URI          string // host:port, credentials handled separately
	Username     string
	Password     string
	LocalUUID    uuid.UUID
	ClusterUUID  uuid.UUID
	VClock       *vclock.VClock
	Apply        func(record.Row) error
	Logger       *log.Logger

	// OnClusterUUID, if set, is called once JOIN learns the cluster's uuid
	// from the peer (a node with no local data starts with a zero
	// ClusterUUID and only finds out the real one here).
	OnClusterUUID func(uuid.UUID)

	PeerUUID   uuid.UUID
	PeerNodeID int
	Lag        time.Duration

	state State
	conn  net.Conn
}

func (a *Applier) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.New(os.Stderr, fmt.Sprintf("applier[%s]: ", a.URI), log.LstdFlags)
}

func (a *Applier) State() State { return a.state }

// Run drives the applier forever until ctx is canceled or a fatal error
// stops it; transient errors trigger DISCONNECTED -> reconnect after
// reconnectDelay (spec §4.7 "Error policy").
func (a *Applier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.state = Off
			return nil
		default:
		}

		err := a.connectAndFollow(ctx)
		if a.conn != nil {
			a.conn.Close()
			a.conn = nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrConnectionToSelf) || errors.Is(err, ErrServerUUIDMismatch) {
			a.state = Stopped
			return err
		}
		a.state = Disconnected
		a.logger().Printf("disconnected: %v", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Applier) connectAndFollow(ctx context.Context) error {
	a.state = Connecting
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.URI)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.conn = conn

	greeting, err := ReadGreeting(conn)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	if greeting.InstanceUUID == a.LocalUUID {
		return ErrConnectionToSelf
	}
	if a.PeerUUID != (uuid.UUID{}) && greeting.InstanceUUID != a.PeerUUID {
		return ErrServerUUIDMismatch
	}
	a.PeerUUID = greeting.InstanceUUID
	a.state = Connected

	if a.Username != "" {
		a.state = Authenticating
		if err := a.authenticate(greeting); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if !a.hasLocalData() {
		if err := a.join(); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}
	return a.subscribe(ctx)
}

func (a *Applier) hasLocalData() bool {
	for id := 0; id < vclock.Max; id++ {
		if _, ok := a.VClock.Get(id); ok {
			return true
		}
	}
	return false
}

func (a *Applier) authenticate(g Greeting) error {
	proof := saltedProof(g.Salt[:], a.Password)
	req := record.Row{Type: record.Auth, Body: [][]byte{encodeUUIDBody(a.LocalUUID), proof}}
	if err := a.sendRow(req); err != nil {
		return err
	}
	return a.expectOK()
}

// saltedProof is a placeholder proof derivation: the spec leaves the exact
// scramble algorithm external to this core's scope, so this implements the
// simplest scheme that still round-trips through the wire format (a proof
// the peer can recompute identically) rather than fabricating a protocol
// the examples never define.
func saltedProof(salt []byte, password string) []byte {
	sum := append([]byte(nil), salt...)
	sum = append(sum, []byte(password)...)
	return sum
}

func (a *Applier) join() error {
	a.state = Joining
	req := record.Row{Type: record.Join, Body: [][]byte{encodeUUIDBody(a.LocalUUID)}}
	if err := a.sendRow(req); err != nil {
		return err
	}
	for {
		payload, err := xlog.ReadWireFrame(a.conn)
		if errors.Is(err, xlog.ErrEOFMarker) {
			return fmt.Errorf("join: unexpected clean eof before OK")
		}
		if err != nil {
			return err
		}
		row, _, err := record.Decode(payload)
		if err != nil {
			return err
		}
		if row.Type == record.OK {
			if len(row.Body) >= 2 {
				if cu, err := parseUUIDBody(row.Body[0]); err == nil {
					a.ClusterUUID = cu
					if a.OnClusterUUID != nil {
						a.OnClusterUUID(cu)
					}
				}
				if vc, err := decodeVClockBody(row.Body[1]); err == nil {
					vclock.Copy(a.VClock, vc)
				}
			}
			a.state = Joined
			return nil
		}
		if err := a.Apply(row); err != nil {
			return fmt.Errorf("join: apply: %w", err)
		}
	}
}

func (a *Applier) subscribe(ctx context.Context) error {
	a.state = Subscribing
	req := record.Row{Type: record.Subscribe, Body: [][]byte{encodeUUIDBody(a.ClusterUUID), encodeUUIDBody(a.LocalUUID), encodeVClockBody(a.VClock)}}
	if err := a.sendRow(req); err != nil {
		return err
	}

	payload, err := xlog.ReadWireFrame(a.conn)
	if err != nil {
		return fmt.Errorf("subscribe: initial ok: %w", err)
	}
	initialOK, _, err := record.Decode(payload)
	if err != nil {
		return err
	}
	if initialOK.Type != record.OK {
		return fmt.Errorf("subscribe: expected OK, got %v", initialOK.Type)
	}
	if a.PeerNodeID != 0 && a.PeerNodeID != initialOK.ServerID {
		return ErrServerUUIDMismatch
	}
	a.PeerNodeID = initialOK.ServerID

	a.state = Following
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		payload, err := xlog.ReadWireFrame(a.conn)
		if err != nil {
			return fmt.Errorf("follow: %w", err)
		}
		row, _, err := record.Decode(payload)
		if err != nil {
			return fmt.Errorf("follow: decode: %w", err)
		}
		if cur, ok := a.VClock.Get(row.ServerID); ok && row.LSN <= cur {
			continue
		}
		if err := a.Apply(row); err != nil {
			return fmt.Errorf("follow: apply: %w", err)
		}
		a.VClock.Advance(row.ServerID, row.LSN)
		a.Lag = time.Since(time.Unix(0, int64(row.Timestamp*float64(time.Second))))
	}
}

func (a *Applier) expectOK() error {
	payload, err := xlog.ReadWireFrame(a.conn)
	if err != nil {
		return err
	}
	row, _, err := record.Decode(payload)
	if err != nil {
		return err
	}
	if row.Type != record.OK {
		return fmt.Errorf("expected OK, got %v", row.Type)
	}
	return nil
}

func (a *Applier) sendRow(row record.Row) error {
	frame, err := xlog.EncodeWireFrame(record.Encode(nil, row), true)
	if err != nil {
		return err
	}
	_, err = a.conn.Write(frame)
	return err
}

// ConnectAll starts every applier in parallel and blocks until each has
// either reached Connected or connectTimeout has elapsed (spec §4.7
// "connect_all"). The background Run loops continue after this returns.
func ConnectAll(ctx context.Context, appliers []*Applier, connectTimeout time.Duration) {
	done := make(chan struct{}, len(appliers))
	for _, ap := range appliers {
		ap := ap
		go func() {
			go ap.Run(ctx)
			deadline := time.After(connectTimeout)
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-deadline:
					done <- struct{}{}
					return
				case <-ticker.C:
					if ap.State() != Off && ap.State() != Connecting {
						done <- struct{}{}
						return
					}
				}
			}
		}()
	}
	for range appliers {
		<-done
	}
}
