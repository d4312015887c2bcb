// Package search implements the search coordinator of spec §4.8
// (component C8): fan rectangle queries out across whichever partition
// entries overlap them, dispatching local ones against the owning
// R-tree directly and forwarding remote ones as search_clients RPCs.
//
// Grounded on original_source/lib/server.cpp's handle_search_clients
// (delegate to the table, turn the first error into the whole query's
// error) and spec §9's Open-Question resolution to sort the four corner
// Hilbert indices ascending rather than walk them in the source's
// original order. Fan-out uses golang.org/x/sync/errgroup in place of
// the original's pending-counter-plus-accumulator callback bookkeeping,
// since that is exactly what errgroup replaces once requests are
// blocking calls instead of continuations.
package search

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/partition"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/rtree"
	"github.com/gcampax/hDHT/wire"
)

// Coordinator answers search_clients queries against a server's own
// partition table, forwarding to remote owners as needed.
type Coordinator struct {
	Table      *partition.Table
	Resolution int
	Manager    *rpcconn.Manager
}

// Search implements spec §4.8 for a self-originated query: the full
// universe is the initial scan bound.
func (c *Coordinator) Search(ctx context.Context, lower, upper geo.Point) ([]nodeid.ID, error) {
	order := c.Resolution / 2
	full := uint64(1)<<uint(2*order) - 1
	return c.search(ctx, lower, upper, 0, full)
}

// SearchBounded implements the forwarded form of search_clients: a
// remote coordinator has already narrowed the scan to [hmin, hmax], this
// owner's Hilbert sub-interval, before dispatching here.
func (c *Coordinator) SearchBounded(ctx context.Context, lower, upper geo.Point, hmin, hmax uint64) ([]nodeid.ID, error) {
	return c.search(ctx, lower, upper, hmin, hmax)
}

// search runs the corner-sorted Hilbert scan of spec §4.8 step 3 over
// [hmin, hmax], gathering local R-tree matches directly and remote
// matches via concurrent search_clients RPCs, then concatenates both (or
// fails with the first remote error, per step 4).
func (c *Coordinator) search(ctx context.Context, lower, upper geo.Point, hmin, hmax uint64) ([]nodeid.ID, error) {
	order := c.Resolution / 2
	rect := gridRect(lower, upper, c.Resolution)

	lx, ly := uint32(rect.Lower.X), uint32(rect.Lower.Y)
	ux, uy := uint32(rect.Upper.X), uint32(rect.Upper.Y)
	corners := []uint64{
		geo.XY2D(order, lx, ly),
		geo.XY2D(order, lx, uy),
		geo.XY2D(order, ux, ly),
		geo.XY2D(order, ux, uy),
	}
	sort.Slice(corners, func(i, j int) bool { return corners[i] < corners[j] })

	var local []nodeid.ID
	g, gctx := errgroup.WithContext(ctx)
	var remoteResults []*[]nodeid.ID

	i := hmin
	if corners[0] > i {
		i = corners[0]
	}

	for i <= hmax {
		x, y := geo.D2XY(order, i)
		if !rect.ContainsPoint(rtree.Point{X: uint64(x), Y: uint64(y)}) {
			next, ok := nextCornerAbove(corners, i)
			if !ok {
				break
			}
			i = next
			continue
		}

		id := nodeid.FromHighBits(i, c.Resolution)
		entry, err := c.Table.FindAuthority(id)
		if err != nil {
			return nil, err
		}
		lo, hi := hilbertBounds(entry.Range, c.Resolution)

		switch a := entry.Authority.(type) {
		case *partition.LocalOwner:
			for _, leaf := range a.Tree.Search(rect) {
				if ided, ok := leaf.Data.(partition.Identified); ok {
					local = append(local, ided.NodeID())
				}
			}
		case *partition.RemoteOwner:
			result := new([]nodeid.ID)
			remoteResults = append(remoteResults, result)
			addr := a.Addr
			boundLo, boundHi := lo, hi
			g.Go(func() error {
				ids, err := c.forward(gctx, addr, lower, upper, boundLo, boundHi)
				if err != nil {
					return err
				}
				*result = ids
				return nil
			})
		default:
			return nil, errs.New(errs.Unavailable, "search: authority of unknown kind in range")
		}

		if hi == ^uint64(0) {
			break
		}
		i = hi + 1
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := local
	for _, r := range remoteResults {
		out = append(out, *r...)
	}
	return out, nil
}

// forward issues a bounded search_clients RPC against a remote owner.
func (c *Coordinator) forward(ctx context.Context, addr string, lower, upper geo.Point, hmin, hmax uint64) ([]nodeid.ID, error) {
	peer, err := c.Manager.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer peer.Release()

	req := wire.SearchClientsRequest{Lower: lower, Upper: upper, HasBounds: true, HMin: hmin, HMax: hmax}
	reply, err := peer.Invoke(ctx, wire.OpSearchClients, wire.MasterObjectID, req.Encode())
	if err != nil {
		return nil, err
	}
	decoded, err := wire.DecodeSearchClientsReply(reply)
	if err != nil {
		return nil, err
	}
	return decoded.IDs, nil
}

// nextCornerAbove returns the smallest value in corners strictly greater
// than i, if any.
func nextCornerAbove(corners []uint64, i uint64) (uint64, bool) {
	for _, c := range corners {
		if c > i {
			return c, true
		}
	}
	return 0, false
}

// hilbertBounds computes the Hilbert sub-interval [lo, hi] an entry's bit
// prefix covers at resolution bits, the "owner's Hilbert sub-interval" of
// spec §4.8 step 3.
func hilbertBounds(rng nodeid.Range, resolution int) (lo, hi uint64) {
	mask := rng.Mask
	if mask > resolution {
		mask = resolution
	}
	prefix := nodeid.HighBits(rng.From, mask)
	shift := uint(resolution - mask)
	lo = prefix << shift
	if shift >= 64 {
		return lo, ^uint64(0)
	}
	hi = lo | (uint64(1)<<shift - 1)
	return lo, hi
}

// gridRect maps a query rectangle's two corners (in either order) to a
// normalized grid-space rtree.Rectangle. A longitude of exactly +180 maps
// to the easternmost grid column rather than wrapping onto -180.
func gridRect(lower, upper geo.Point, resolution int) rtree.Rectangle {
	lx, ly := geo.GridXY(lower.Canonicalize(), resolution)
	ux, uy := geo.GridXY(upper.Canonicalize(), resolution)
	east := uint32(1)<<uint(resolution/2) - 1
	if lower.Longitude == 180 {
		lx = east
	}
	if upper.Longitude == 180 {
		ux = east
	}
	return rtree.Rectangle{
		Lower: rtree.Point{X: uint64(minU32(lx, ux)), Y: uint64(minU32(ly, uy))},
		Upper: rtree.Point{X: uint64(maxU32(lx, ux)), Y: uint64(maxU32(ly, uy))},
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
