package resolver

import (
	"fmt"
	"testing"

	"github.com/secforge/plugrun/runtime/types"
)

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestResolveSimpleChain(t *testing.T) {
	g := New()
	g.Add("A", []string{"B"})
	g.Add("B", nil)

	order, err := g.Resolve()
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Errorf("Unexpected order: got %v, want [B A]", order)
	}
}

func TestResolveDiamond(t *testing.T) {
	g := New()
	g.Add("top", []string{"left", "right"})
	g.Add("left", []string{"base"})
	g.Add("right", []string{"base"})
	g.Add("base", nil)

	order, err := g.Resolve()
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("Unexpected order length: got %d, want 4", len(order))
	}
	for _, edge := range [][2]string{
		{"base", "left"}, {"base", "right"}, {"left", "top"}, {"right", "top"},
	} {
		if indexOf(order, edge[0]) > indexOf(order, edge[1]) {
			t.Errorf("%s must precede %s in %v", edge[0], edge[1], order)
		}
	}
}

func TestResolveCycle(t *testing.T) {
	g := New()
	g.Add("A", []string{"B"})
	g.Add("B", []string{"C"})
	g.Add("C", []string{"A"})

	_, err := g.Resolve()
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !types.IsCode(err, types.CodeValidationFailed) {
		t.Errorf("expected validation_failed, got %v", err)
	}
}

func TestResolveSelfCycle(t *testing.T) {
	g := New()
	g.Add("A", []string{"A"})

	if _, err := g.Resolve(); err == nil {
		t.Fatal("expected cycle error for self-dependency")
	}
}

func TestResolveUnknownDependencyIgnored(t *testing.T) {
	g := New()
	g.Add("A", []string{"ghost"})

	order, err := g.Resolve()
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(order) != 1 || order[0] != "A" {
		t.Errorf("Unexpected order: got %v, want [A]", order)
	}
}

func TestResolveLargeAcyclic(t *testing.T) {
	g := New()
	const n = 500
	for i := 0; i < n; i++ {
		var deps []string
		if i > 0 {
			deps = append(deps, fmt.Sprintf("p%d", i-1))
		}
		if i > 1 {
			deps = append(deps, fmt.Sprintf("p%d", i/2))
		}
		g.Add(fmt.Sprintf("p%d", i), deps)
	}

	order, err := g.Resolve()
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(order) != n {
		t.Fatalf("Unexpected order length: got %d, want %d", len(order), n)
	}
	pos := make(map[string]int, n)
	for i, id := range order {
		pos[id] = i
	}
	for i := 1; i < n; i++ {
		id := fmt.Sprintf("p%d", i)
		dep := fmt.Sprintf("p%d", i-1)
		if pos[dep] > pos[id] {
			t.Fatalf("%s must precede %s", dep, id)
		}
	}
}

func TestResolveLargeCycleTerminates(t *testing.T) {
	g := New()
	const n = 300
	for i := 0; i < n; i++ {
		g.Add(fmt.Sprintf("p%d", i), []string{fmt.Sprintf("p%d", (i+1)%n)})
	}

	if _, err := g.Resolve(); err == nil {
		t.Fatal("expected cycle error")
	}
}
