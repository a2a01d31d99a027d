package mempool

import (
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/memwrapper/ballast/memutils"
	"github.com/memwrapper/ballast/mempool/internal/region"
	"github.com/memwrapper/ballast/mempool/internal/utils"
)

// Pool is a fixed-capacity segregated-size memory pool. It owns a single
// pre-acquired backing region partitioned into eight size-class arenas and
// serves variable-sized requests out of it in O(1) for the single-block path.
//
// The handle is the sole owner of the region: the category table and the
// error slot are reached through it, never through raw region pointers.
type Pool struct {
	data   []byte
	region *region.Region
	logger *slog.Logger

	settings   PoolSettings
	categories [NumBlockClasses]blockCategory

	mutex           utils.OptionalMutex
	lockInitialized bool

	lastError        ErrorCode
	lastErrorMessage string

	// allocations maps live payload offsets to their bookkeeping records. It
	// backs AllocationCount and the destroy-time leak report.
	allocations *swiss.Map[int, allocationInfo]
	allocSeq    uint64
}

type allocationInfo struct {
	size int
	seq  uint64
}

var _ memutils.Validatable = (*Pool)(nil)

// New creates a pool laid out for the given settings. The settings are
// sanitized first: TotalSize is recomputed from the block counts and any
// stale dump file is deleted. Inconsistent caller settings still produce a
// live pool, with InconsistentSettings recorded and the callback fired.
//
// On region-acquisition failure New returns a nil pool, fires the callback
// with NoMemory and returns the underlying error.
func New(settings PoolSettings) (*Pool, error) {
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings.Logger = logger

	consistent := settings.sanitize(logger)

	counts := settings.blockCounts()
	regionSize := requiredRegionSize(counts)

	backing, err := region.Allocate(regionSize)
	if err != nil {
		if settings.ErrorCallback != nil {
			settings.ErrorCallback(NoMemory, msgCannotCreateMempool)
		}
		return nil, cerrors.Wrap(err, "could not acquire the pool backing region")
	}

	p := &Pool{
		data:        backing.Bytes(),
		region:      backing,
		logger:      logger,
		settings:    settings,
		allocations: swiss.NewMap[int, allocationInfo](64),
	}

	p.mutex.UseMutex = settings.Threadsafe
	p.lockInitialized = settings.Threadsafe

	p.initialize(counts)

	if !consistent {
		p.setError(InconsistentSettings, msgInconsistentSettings, nilOffset)
	}

	if settings.VerboseDump {
		p.appendDumpRecord("Mempool created", nilOffset)
	}

	return p, nil
}

// initialize stamps the region: init-byte fill, pool sentinels, category
// table, block sentinels and counters.
func (p *Pool) initialize(counts [NumBlockClasses]int) {
	memutils.FillBuffer(p.data, InitByte)

	stampSentinel(p.data, 0, &poolStartSentinel)
	stampSentinel(p.data, len(p.data)-Alignment, &poolEndSentinel)

	currentStart := firstBlockOffset()
	for class := range p.categories {
		c := &p.categories[class]
		c.blockSize = classPayloadSizes[class]
		c.totalBlocks = counts[class]
		c.occupiedBlocks = 0

		if c.totalBlocks > 0 {
			c.startOffset = currentStart
			c.firstFreeOffset = c.startOffset
			c.lastOffset = currentStart + (c.totalBlocks-1)*c.stride()
			c.lastFreeOffset = c.lastOffset
		} else {
			c.startOffset = nilOffset
			c.firstFreeOffset = nilOffset
			c.lastFreeOffset = nilOffset
			c.lastOffset = nilOffset
		}

		currentStart += c.totalBlocks * c.stride()
	}

	for class := range p.categories {
		c := &p.categories[class]
		for i := 0; i < c.totalBlocks; i++ {
			blockOffset := c.startOffset + i*c.stride()
			stampSentinel(p.data, blockOffset, &blockStartSentinel)
			stampSentinel(p.data, blockEndSentinelOffset(blockOffset, c.blockSize), &blockEndSentinel)
			setBlockUsedCount(p.data, blockOffset, NotSet)
			setBlockDataSize(p.data, blockOffset, NotSet)
		}
	}

	p.clearError()
}

// valid reports whether the handle still carries the pool start sentinel.
func (p *Pool) valid() bool {
	return p != nil && len(p.data) >= 2*Alignment && sentinelAt(p.data, 0, &poolStartSentinel)
}

// Destroy reports unfreed allocations, scrubs the region and releases it.
// It returns false iff the handle does not carry the pool sentinel. The
// caller must guarantee no other operation is in flight.
func (p *Pool) Destroy() bool {
	if !p.valid() {
		return false
	}

	p.logger.Debug("Pool::Destroy")

	p.mutex.Lock()

	p.allocations.Iter(func(offset int, info allocationInfo) bool {
		p.logger.Warn("unfreed allocation at pool destroy",
			slog.Int("offset", offset),
			slog.Int("size", info.size),
			slog.Uint64("sequence", info.seq))
		return false
	})

	memutils.FillBuffer(p.data, 0)
	p.data = nil
	releaseErr := p.region.Release()
	p.region = nil

	p.mutex.Unlock()

	if releaseErr != nil {
		p.logger.Error("could not release the pool backing region", slog.Any("error", releaseErr))
	}

	return true
}

// clearError resets the last-error slot. Alloc, Free, Realloc and
// GetSettings do this on entry.
func (p *Pool) clearError() {
	p.lastError = NoErr
	p.lastErrorMessage = ""
}

// setError publishes an error event through the three sinks: the last-error
// slot, the registered callback and the dump file. markOffset, when not
// nilOffset, is the region byte the error concerns; its address and offset
// are appended to the message and the dump is marked there.
func (p *Pool) setError(code ErrorCode, message string, markOffset int) error {
	if markOffset != nilOffset {
		address := uintptr(unsafe.Pointer(unsafe.SliceData(p.data))) + uintptr(markOffset)
		message = message + fmt.Sprintf(memoryLocationFormat, uint64(address), markOffset)
	}

	p.lastError = code
	if len(message) > errorMessageSize {
		message = message[:errorMessageSize]
	}
	p.lastErrorMessage = message

	if p.settings.ErrorCallback != nil {
		p.settings.ErrorCallback(code, message)
	}

	if p.settings.ErrorDumpFileName != "" {
		p.appendDumpRecord(message, markOffset)
	}

	return cerrors.Newf("%s: %s", code, message)
}

// LastErrorCode retrieves the error code set by the most recent operation,
// or InvalidMempool if the handle lacks the pool sentinel. It does not take
// the pool lock.
func (p *Pool) LastErrorCode() ErrorCode {
	if !p.valid() {
		return InvalidMempool
	}
	return p.lastError
}

// LastErrorMessage retrieves the human-readable message set by the most
// recent operation, or a fixed invalid-handle message. It does not take the
// pool lock.
func (p *Pool) LastErrorMessage() string {
	if !p.valid() {
		return msgNotAMempool
	}
	return p.lastErrorMessage
}

// GetSettings copies the sanitized creation settings into out. Settings are
// immutable after creation, so the copy takes no lock; only recording the
// error for a nil out does.
func (p *Pool) GetSettings(out *PoolSettings) bool {
	if !p.valid() {
		return false
	}

	p.logger.Debug("Pool::GetSettings")
	p.clearError()

	if out == nil {
		p.mutex.Lock()
		p.setError(OutputParamError, msgInvalidOutputParam, nilOffset)
		p.mutex.Unlock()
		return false
	}

	*out = p.settings
	return true
}

// AllocationCount returns the number of live allocations in the pool.
func (p *Pool) AllocationCount() int {
	if !p.valid() {
		return 0
	}
	return p.allocations.Count()
}

// Validate runs the category-table consistency checks. It should not be able
// to fail while the implementation behaves; it exists to diagnose corruption
// of the bookkeeping itself and to back memutils.DebugValidate.
func (p *Pool) Validate() error {
	if !p.valid() {
		return cerrors.New(msgNotAMempool)
	}
	return p.validateCategories()
}

// payloadOffsetOf maps a user slice back into the region, returning the
// payload offset it was handed out at. The second result is false when the
// slice does not point into this pool.
func (p *Pool) payloadOffsetOf(ptr []byte) (int, bool) {
	if len(ptr) == 0 || len(p.data) == 0 {
		return 0, false
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.data)))
	candidate := uintptr(unsafe.Pointer(unsafe.SliceData(ptr)))

	if candidate < base || candidate >= base+uintptr(len(p.data)) {
		return 0, false
	}

	offset := int(candidate - base)
	if offset < 2*Alignment {
		return 0, false
	}

	return offset, true
}
