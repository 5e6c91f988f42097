// channel.go - Channel collaborator interface.
// Copyright (C) 2026  The torproto Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package tunnel

import (
	"time"

	"github.com/torwell/torproto/core/cell"
)

// Channel is the authenticated transport to the first relay of one circuit
// leg.  Implementations own TLS and cell framing; the engine only requires
// sending framed cells and a per-circuit inbound cell feed, the latter
// supplied separately as a receive channel that is closed when the
// transport goes away.
//
// SendCell may block briefly when the transport cannot accept more; that
// back pressure propagates into the reactor by design.  A SendCell error
// is fatal to the leg using the channel.
type Channel interface {
	// SendCell enqueues a framed cell for transmission.
	SendCell(c *cell.Cell) error

	// ClockSkew returns the estimated clock skew of the relay the channel
	// is connected to, derived from its handshake timestamps.
	ClockSkew() time.Duration
}
