package distributor

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Algorithm names a selection strategy.
type Algorithm string

const (
	AlgoRoundRobin  Algorithm = "round_robin"
	AlgoLeastLoaded Algorithm = "least_loaded"
	AlgoWeighted    Algorithm = "weighted"
	AlgoCapacity    Algorithm = "capacity"
	AlgoAdaptive    Algorithm = "adaptive"
)

// Valid reports whether the algorithm name is known.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgoRoundRobin, AlgoLeastLoaded, AlgoWeighted, AlgoCapacity, AlgoAdaptive:
		return true
	}
	return false
}

// Balancer scores agents for task placement. All selection strategies
// break ties by lexicographic agent id so placement is reproducible.
type Balancer struct {
	mu           sync.Mutex
	loads        map[string]AgentLoad
	capabilities map[string][]string
	weights      map[string]float64
	completions  map[string]map[string]int // agent -> task type -> count
	rrIndex      int
	rng          *rand.Rand
	now          func() time.Time
}

// NewBalancer returns an empty balancer.
func NewBalancer() *Balancer {
	return &Balancer{
		loads:        make(map[string]AgentLoad),
		capabilities: make(map[string][]string),
		weights:      make(map[string]float64),
		completions:  make(map[string]map[string]int),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
	}
}

// UpdateLoad records an agent's latest load sample.
func (b *Balancer) UpdateLoad(load AgentLoad) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if load.LastUpdated.IsZero() {
		load.LastUpdated = b.now()
	}
	b.loads[load.AgentID] = load
}

// Load returns the last sample for one agent.
func (b *Balancer) Load(agentID string) (AgentLoad, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.loads[agentID]
	return l, ok
}

// Loads snapshots every known agent load.
func (b *Balancer) Loads() map[string]AgentLoad {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]AgentLoad, len(b.loads))
	for id, l := range b.loads {
		out[id] = l
	}
	return out
}

// UpdateCapabilities records what an agent can run.
func (b *Balancer) UpdateCapabilities(agentID string, capabilities []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capabilities[agentID] = append([]string(nil), capabilities...)
}

// SetWeight sets the weighted/adaptive weight; the default is 1.0.
func (b *Balancer) SetWeight(agentID string, weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.weights[agentID] = weight
}

// RecordCompletion feeds the adaptive task-type preference.
func (b *Balancer) RecordCompletion(agentID, taskType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.completions[agentID]
	if !ok {
		m = make(map[string]int)
		b.completions[agentID] = m
	}
	m[taskType]++
}

// Forget drops all state for an agent.
func (b *Balancer) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.loads, agentID)
	delete(b.capabilities, agentID)
	delete(b.weights, agentID)
	delete(b.completions, agentID)
}

// Select picks an agent for the task from the available set, or reports
// false when none is capable.
func (b *Balancer) Select(t *Task, available []string, algo Algorithm) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capable := make([]string, 0, len(available))
	for _, id := range available {
		if b.hasCapabilities(id, t.Requirements.Capabilities) {
			capable = append(capable, id)
		}
	}
	if len(capable) == 0 {
		return "", false
	}
	sort.Strings(capable)

	switch algo {
	case AlgoRoundRobin:
		return b.roundRobin(capable), true
	case AlgoLeastLoaded:
		return b.leastLoaded(capable), true
	case AlgoWeighted:
		return b.weighted(capable), true
	case AlgoCapacity:
		return b.capacity(capable), true
	default:
		return b.adaptive(capable, t), true
	}
}

func (b *Balancer) hasCapabilities(agentID string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(b.capabilities[agentID]))
	for _, c := range b.capabilities[agentID] {
		have[c] = struct{}{}
	}
	for _, req := range required {
		if _, ok := have[req]; !ok {
			return false
		}
	}
	return true
}

func (b *Balancer) roundRobin(agents []string) string {
	id := agents[b.rrIndex%len(agents)]
	b.rrIndex++
	return id
}

func (b *Balancer) leastLoaded(agents []string) string {
	best := agents[0]
	bestLoad := b.queueDepth(best)
	for _, id := range agents[1:] {
		if depth := b.queueDepth(id); depth < bestLoad {
			best, bestLoad = id, depth
		}
	}
	return best
}

func (b *Balancer) queueDepth(agentID string) int {
	if l, ok := b.loads[agentID]; ok {
		return l.Total()
	}
	return 0
}

func (b *Balancer) weighted(agents []string) string {
	total := 0.0
	weights := make([]float64, len(agents))
	for i, id := range agents {
		w := b.weightOf(id)
		weights[i] = w
		total += w
	}
	r := b.rng.Float64() * total
	cumulative := 0.0
	for i, id := range agents {
		cumulative += weights[i]
		if r <= cumulative {
			return id
		}
	}
	return agents[len(agents)-1]
}

func (b *Balancer) weightOf(agentID string) float64 {
	if w, ok := b.weights[agentID]; ok {
		return w
	}
	return 1.0
}

// capacity scores ((1-cpu)+(1-mem))/2 damped by active task count.
// Agents without a load sample score a full 1.0.
func (b *Balancer) capacity(agents []string) string {
	best, bestScore := "", -1.0
	for _, id := range agents {
		score := 1.0
		if l, ok := b.loads[id]; ok {
			score = ((1.0 - l.CPUUtilization) + (1.0 - l.MemoryUtilization)) / 2.0
			score /= float64(1 + l.ActiveTasks)
		}
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	return best
}

// adaptive combines load (<=40), weight (<=20), recency (<=10), and
// task-type preference (<=30). Highest total wins; the pre-sort makes
// ties fall to the lexicographically first agent.
func (b *Balancer) adaptive(agents []string, t *Task) string {
	now := b.now()
	best, bestScore := "", -1.0
	for _, id := range agents {
		score := 0.0

		if l, ok := b.loads[id]; ok {
			score += max(0, 40*(1.0-float64(l.ActiveTasks)/10.0))
		} else {
			score += 40
		}

		score += min(20*b.weightOf(id), 20)

		if l, ok := b.loads[id]; ok {
			score += max(0, 10-now.Sub(l.LastUpdated).Seconds())
		}

		if counts, ok := b.completions[id]; ok {
			score += float64(min(counts[t.Type], 10)) * 3
		}

		if score > bestScore {
			best, bestScore = id, score
		}
	}
	return best
}
