package distconfig

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

// Property: every mutating call bumps the version by exactly one, even
// under concurrency.
func TestProperty_VersionBumpsOncePerMutation(t *testing.T) {
	const workers = 16
	const perWorker = 50

	m := NewModifiable(sampleDocument())
	start := m.Version()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				node := fmt.Sprintf("w%d-n%d", w, i)
				switch i % 3 {
				case 0:
					m.SetServerRole(node, RoleReplica)
				case 1:
					if m.AddNewNodeInServerList(node) == nil {
						t.Errorf("adding %s changed nothing", node)
					}
				default:
					if err := m.SetServerOwner("res-"+node, node); err != nil {
						t.Errorf("set owner: %v", err)
					}
				}
				_ = m.Servers("orders")
				_ = m.WriteQuorum("orders")
			}
		}(w)
	}
	wg.Wait()

	if got, want := m.Version(), start+workers*perWorker; got != want {
		t.Fatalf("version = %d, want %d", got, want)
	}
}

// Property: versions observed by a reader never go backwards.
func TestProperty_VersionMonotonic(t *testing.T) {
	m := NewModifiable(sampleDocument())
	rng := rand.New(rand.NewSource(7))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		last := int64(0)
		for {
			select {
			case <-done:
				return
			default:
			}
			v := m.Version()
			if v < last {
				t.Errorf("version went backwards: %d -> %d", last, v)
				return
			}
			last = v
		}
	}()

	for i := 0; i < 500; i++ {
		node := fmt.Sprintf("n%d", rng.Intn(20))
		switch rng.Intn(4) {
		case 0:
			m.AddNewNodeInServerList(node)
		case 1:
			m.RemoveServer(node)
		case 2:
			m.SetServerOffline(node, "")
		default:
			m.Override(m.Document())
		}
	}
	close(done)
	wg.Wait()
}
