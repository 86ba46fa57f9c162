package fabric

import (
	"sort"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/chiconform/chi"
)

// DirectoryStats holds directory statistics.
type DirectoryStats struct {
	Lookups       uint64
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	SharedGrants  uint64
	UniqueGrants  uint64
	Releases      uint64
	Invalidations uint64
}

// Directory tracks which requesters hold each line. Lines live in an Akita
// cache directory; a line that falls out of it is forgotten along with its
// holders.
type Directory struct {
	lineSize int
	ways     int

	directory *akitacache.DirectoryImpl

	// holders is indexed by setID*ways + wayID.
	holders []map[int]bool

	stats DirectoryStats
}

// NewDirectory creates a directory of sets x ways lines of lineSize bytes.
func NewDirectory(sets, ways, lineSize int) *Directory {
	holders := make([]map[int]bool, sets*ways)
	for i := range holders {
		holders[i] = make(map[int]bool)
	}

	return &Directory{
		lineSize: lineSize,
		ways:     ways,
		directory: akitacache.NewDirectory(
			sets,
			ways,
			lineSize,
			akitacache.NewLRUVictimFinder(),
		),
		holders: holders,
	}
}

// Stats returns directory statistics.
func (d *Directory) Stats() DirectoryStats {
	return d.stats
}

func (d *Directory) lineAddr(addr uint64) uint64 {
	return (addr / uint64(d.lineSize)) * uint64(d.lineSize)
}

func (d *Directory) blockIndex(block *akitacache.Block) int {
	return block.SetID*d.ways + block.WayID
}

func (d *Directory) lookup(addr uint64) *akitacache.Block {
	d.stats.Lookups++

	block := d.directory.Lookup(0, d.lineAddr(addr))
	if block == nil || !block.IsValid {
		d.stats.Misses++
		return nil
	}

	d.stats.Hits++
	d.directory.Visit(block)
	return block
}

// allocate returns the block for addr, taking a victim if the line is not
// tracked yet.
func (d *Directory) allocate(addr uint64) *akitacache.Block {
	if block := d.lookup(addr); block != nil {
		return block
	}

	line := d.lineAddr(addr)
	victim := d.directory.FindVictim(line)
	if victim.IsValid {
		d.stats.Evictions++
	}
	clear(d.holders[d.blockIndex(victim)])

	victim.Tag = line
	victim.IsValid = true
	victim.IsDirty = false
	d.directory.Visit(victim)

	return victim
}

// GrantShared records node as a holder of the line and returns the state
// granted: UC when nobody else holds the line, SC otherwise. A unique
// holder is downgraded to shared.
func (d *Directory) GrantShared(addr uint64, node int) chi.Resp {
	block := d.allocate(addr)
	holders := d.holders[d.blockIndex(block)]

	others := len(holders)
	if holders[node] {
		others--
	}
	holders[node] = true
	block.IsDirty = false

	if others == 0 {
		d.stats.UniqueGrants++
		return chi.RespUC
	}

	d.stats.SharedGrants++
	return chi.RespSC
}

// GrantUnique makes node the only holder of the line.
func (d *Directory) GrantUnique(addr uint64, node int) chi.Resp {
	block := d.allocate(addr)
	holders := d.holders[d.blockIndex(block)]

	clear(holders)
	holders[node] = true
	// IsDirty marks a line held unique.
	block.IsDirty = true

	d.stats.UniqueGrants++
	return chi.RespUC
}

// Release drops node from the holders of the line.
func (d *Directory) Release(addr uint64, node int) {
	block := d.lookup(addr)
	if block == nil {
		return
	}

	d.stats.Releases++
	holders := d.holders[d.blockIndex(block)]
	delete(holders, node)
	if len(holders) == 0 {
		block.IsValid = false
		block.IsDirty = false
	}
}

// Invalidate forgets every holder of the line.
func (d *Directory) Invalidate(addr uint64) {
	block := d.lookup(addr)
	if block == nil {
		return
	}

	d.stats.Invalidations++
	clear(d.holders[d.blockIndex(block)])
	block.IsValid = false
	block.IsDirty = false
}

// Holders returns the nodes holding the line, in ascending order.
func (d *Directory) Holders(addr uint64) []int {
	block := d.directory.Lookup(0, d.lineAddr(addr))
	if block == nil || !block.IsValid {
		return nil
	}

	var nodes []int
	for n := range d.holders[d.blockIndex(block)] {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)
	return nodes
}

// Unique reports whether the line is held unique by one node.
func (d *Directory) Unique(addr uint64) bool {
	block := d.directory.Lookup(0, d.lineAddr(addr))
	return block != nil && block.IsValid && block.IsDirty
}

// Reset forgets every line.
func (d *Directory) Reset() {
	d.directory.Reset()
	for _, h := range d.holders {
		clear(h)
	}
	d.stats = DirectoryStats{}
}
