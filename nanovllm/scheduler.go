package nanovllm

import (
	"container/list"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNothingScheduled is returned when no sequence fits into the KV cache.
var ErrNothingScheduled = errors.New("no sequences scheduled")

// Scheduler manages sequence scheduling for prefill and decode phases
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	maxModelLen         int
	eos                 int
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List

	// released collects sequences whose cache must be dropped, either
	// because they finished or because they were preempted.
	released []*Sequence
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	numBlocks := config.NumKVCacheBlocks
	if numBlocks == -1 {
		numBlocks = 1024
	}

	var opts []BlockManagerOption
	if config.StaticShapes {
		opts = append(opts, WithFullReservation(config.MaxModelLen))
	}

	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		maxModelLen:         config.MaxModelLen,
		eos:                 config.EOS,
		blockManager:        NewBlockManager(numBlocks, config.KVCacheBlockSize, opts...),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	seq.BlockSize = s.blockManager.BlockSize()
	s.waiting.PushBack(seq)
}

// Schedule picks the sequences for the next step. Waiting sequences are
// prefilled first; otherwise running sequences decode one token, preempting
// from the back of the queue when the cache is full.
func (s *Scheduler) Schedule() ([]*Sequence, bool, error) {
	scheduledSeqs := make([]*Sequence, 0)
	numSeqs := 0
	numBatchedTokens := 0

	for s.waiting.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if numBatchedTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		numSeqs++
		s.blockManager.Allocate(seq)
		numBatchedTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(seq)
		scheduledSeqs = append(scheduledSeqs, seq)
	}

	if len(scheduledSeqs) > 0 {
		return scheduledSeqs, true, nil
	}

	for s.running.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.running.Front()
		seq := elem.Value.(*Sequence)
		s.running.Remove(elem)

		for !s.blockManager.CanAppend(seq) {
			if s.running.Len() > 0 {
				lastElem := s.running.Back()
				s.running.Remove(lastElem)
				s.preempt(lastElem.Value.(*Sequence))
			} else {
				s.preempt(seq)
				break
			}
		}

		if seq.Status == StatusRunning {
			numSeqs++
			s.blockManager.MayAppend(seq)
			scheduledSeqs = append(scheduledSeqs, seq)
		}
	}

	if len(scheduledSeqs) == 0 {
		return nil, false, ErrNothingScheduled
	}

	for i := len(scheduledSeqs) - 1; i >= 0; i-- {
		s.running.PushFront(scheduledSeqs[i])
	}
	return scheduledSeqs, false, nil
}

func (s *Scheduler) preempt(seq *Sequence) {
	klog.V(2).Infof("preempting seq %d at %d tokens", seq.SeqID, seq.Len())
	seq.Status = StatusWaiting
	s.blockManager.Deallocate(seq)
	s.waiting.PushFront(seq)
	s.released = append(s.released, seq)
}

// Postprocess appends the sampled tokens and retires sequences that hit EOS,
// their token budget or the model length.
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		if (!seq.IgnoreEOS && tokenID == s.eos) || seq.NumCompletionTokens() == seq.MaxTokens || seq.Len() >= s.maxModelLen {
			seq.Status = StatusFinished
			s.blockManager.Deallocate(seq)
			for elem := s.running.Front(); elem != nil; elem = elem.Next() {
				if elem.Value.(*Sequence).SeqID == seq.SeqID {
					s.running.Remove(elem)
					break
				}
			}
			s.released = append(s.released, seq)
		}
	}
}

// TakeReleased returns and clears the sequences released since the last call.
func (s *Scheduler) TakeReleased() []*Sequence {
	released := s.released
	s.released = nil
	return released
}
