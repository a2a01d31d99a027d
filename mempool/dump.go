package mempool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

func (p *Pool) addressOf(offset int) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(p.data))) + uintptr(offset))
}

func (p *Pool) addressOfSlice(ptr []byte) uint64 {
	if len(ptr) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(ptr))))
}

// appendDumpMessage appends a bare line to the dump file.
func (p *Pool) appendDumpMessage(message string) {
	p.appendDump(message, false, nilOffset)
}

// appendDumpRecord appends a line followed by a full region dump, marked at
// markOffset when one is given.
func (p *Pool) appendDumpRecord(message string, markOffset int) {
	p.appendDump(message, true, markOffset)
}

func (p *Pool) appendDump(message string, withRegion bool, markOffset int) {
	if p.settings.ErrorDumpFileName == "" {
		return
	}

	file, err := os.OpenFile(p.settings.ErrorDumpFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.logger.Error("error writing the error message in the mempool error dump file",
			slog.String("path", p.settings.ErrorDumpFileName),
			slog.Any("error", err))
		return
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	fmt.Fprintf(writer, "\n%s\n", message)
	if withRegion {
		p.writeRegionDump(writer, markOffset)
	}

	if err = writer.Flush(); err != nil {
		p.logger.Error("error flushing the mempool error dump file",
			slog.String("path", p.settings.ErrorDumpFileName),
			slog.Any("error", err))
	}
}

// writeRegionDump hex-dumps the whole region, one alignment-width line at a
// time, flagging the offending byte when markOffset is set. The line format
// is fixed; external consumers parse it.
func (p *Pool) writeRegionDump(w io.Writer, markOffset int) {
	fmt.Fprintf(w, "Mempool dump at location 0x%x (%d lines)", p.addressOf(0), len(p.data)/Alignment)

	for i, b := range p.data {
		if i%Alignment == 0 {
			fmt.Fprintf(w, "\n%d: ", i/Alignment)
		}

		mark := ""
		if markOffset != nilOffset && i == markOffset {
			mark = "(!!!MARK POINT!!!)"
		}

		fmt.Fprintf(w, " %s%02x", mark, b)
	}

	fmt.Fprint(w, "\n")
}

// BuildStatsString writes a JSON description of the pool to the writer:
// per-class totals plus a suballocation map of every arena.
func (p *Pool) BuildStatsString(writer *jwriter.Writer) {
	if !p.valid() {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(p.settings.TotalSize)
	objState.Name("Allocations").Int(p.allocations.Count())

	classesState := objState.Name("Classes").Array()
	defer classesState.End()

	for class := range p.categories {
		c := &p.categories[class]

		classObj := classesState.Object()

		classObj.Name("BlockSize").Int(c.blockSize)
		classObj.Name("TotalBlocks").Int(c.totalBlocks)
		classObj.Name("OccupiedBlocks").Int(c.occupiedBlocks)

		suballocState := classObj.Name("Suballocations").Array()
		p.visitClassRegions(c, func(offset, size int, free bool) {
			entry := suballocState.Object()
			entry.Name("Offset").Int(offset)
			entry.Name("Size").Int(size)
			entry.Name("Free").Bool(free)
			entry.End()
		})
		suballocState.End()

		classObj.End()
	}
}
