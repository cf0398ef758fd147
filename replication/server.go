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
	"log"
	"net"

	"github.com/google/uuid"
	"github.com/corewal/corewal/xlog"
)

// Server accepts replication connections and spawns one Relay goroutine per
// subscriber, registering each in Registry. This is the in-process stand-in
// for the "one child process for the replication spawner that supervises
// relays" scheduling note in spec §5 (see DESIGN.md for the goroutine
// mapping rationale).
type Server struct {
	Listener     net.Listener
	Version      string
	InstanceUUID uuid.UUID
	ClusterUUID  uuid.UUID
	SnapDir      *xlog.Directory
	WalDir       *xlog.Directory
	AssignNodeID func(uuid.UUID) (int, error)
	LookupNodeID func(uuid.UUID) (int, bool)
	Registry     *Registry
	Logger       *log.Logger

	nextID uint64
}

func (s *Server) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Serve accepts connections until ctx is canceled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Listener.Close()
	}()
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.nextID++
	id := s.nextID

	g, err := NewGreeting(s.Version, s.InstanceUUID)
	if err != nil {
		s.logger().Printf("relay %d: greeting: %v", id, err)
		return
	}
	if err := WriteGreeting(conn, g); err != nil {
		s.logger().Printf("relay %d: write greeting: %v", id, err)
		return
	}

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := &Subscriber{ID: id, Cancel: cancel}
	if s.Registry != nil {
		s.Registry.Add(sub)
		defer s.Registry.Remove(id)
	}

	relay := &Relay{
		Conn:         conn,
		SnapDir:      s.SnapDir,
		WalDir:       s.WalDir,
		ClusterUUID:  s.ClusterUUID,
		InstanceUUID: s.InstanceUUID,
		AssignNodeID: s.AssignNodeID,
		LookupNodeID: s.LookupNodeID,
		Logger:       s.Logger,
	}
	if err := relay.Serve(relayCtx); err != nil {
		s.logger().Printf("relay %d: %v", id, err)
	}
}
