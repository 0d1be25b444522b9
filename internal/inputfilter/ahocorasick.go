package inputfilter

// automaton is a byte-oriented Aho-Corasick matcher. No example in the
// reference corpus ships a multi-pattern streaming matcher — grepping
// every module turned up JSON/YAML parsers, protocol codecs, and
// channel plumbing, nothing resembling this — so this is a deliberate
// stdlib-only component: the pattern set is small (under twenty
// sequences) and fixed at config-load time, and a hand-rolled automaton
// keeps the byte-at-a-time streaming interface the rest of the filter
// needs without forcing a buffer-and-rescan design around a
// batch-oriented external library.
type automaton struct {
	goTo   []map[byte]int // goTo[state][b] = next state
	fail   []int
	output [][]int // pattern indices completed at this state
	depth  []int
}

func newAutomaton() *automaton {
	a := &automaton{
		goTo:   []map[byte]int{make(map[byte]int)},
		fail:   []int{0},
		output: [][]int{nil},
		depth:  []int{0},
	}
	return a
}

// addPattern inserts pattern into the trie, recording id as the
// pattern's index for later output lookups. Call all addPattern before
// build.
func (a *automaton) addPattern(pattern []byte, id int) {
	state := 0
	for _, b := range pattern {
		next, ok := a.goTo[state][b]
		if !ok {
			a.goTo = append(a.goTo, make(map[byte]int))
			a.fail = append(a.fail, 0)
			a.output = append(a.output, nil)
			a.depth = append(a.depth, a.depth[state]+1)
			next = len(a.goTo) - 1
			a.goTo[state][b] = next
		}
		state = next
	}
	a.output[state] = append(a.output[state], id)
}

// build computes failure links via a BFS over the trie, turning it
// into a proper Aho-Corasick automaton.
func (a *automaton) build() {
	queue := make([]int, 0, len(a.goTo))
	for b, s := range a.goTo[0] {
		a.fail[s] = 0
		queue = append(queue, s)
		_ = b
	}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for b, v := range a.goTo[u] {
			queue = append(queue, v)

			f := a.fail[u]
			for {
				if nxt, ok := a.goTo[f][b]; ok && nxt != v {
					a.fail[v] = nxt
					break
				}
				if f == 0 {
					a.fail[v] = 0
					break
				}
				f = a.fail[f]
			}
			a.output[v] = append(a.output[v], a.output[a.fail[v]]...)
		}
	}
}

// step advances state by consuming byte b, following failure links as
// needed, and returns the new state plus any pattern ids completed.
func (a *automaton) step(state int, b byte) (int, []int) {
	for {
		if next, ok := a.goTo[state][b]; ok {
			state = next
			break
		}
		if state == 0 {
			break
		}
		state = a.fail[state]
	}
	return state, a.output[state]
}

// stateDepth returns the depth of state in the trie, i.e. the length
// of the pattern prefix that the path leading to state spells out.
func (a *automaton) stateDepth(state int) int {
	return a.depth[state]
}
