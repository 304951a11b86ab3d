package coordinator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// Spec declares how a managed service is supervised.
type Spec struct {
	// Name defaults to the service's own Name.
	Name string

	// DependsOn lists services that must be serving before this one
	// starts or restarts.
	DependsOn []string

	// Essential services form the supervision path. Any crash of an
	// essential service is fatal instead of being restarted.
	Essential bool

	// ReadyTimeout overrides Config.ReadyTimeout.
	ReadyTimeout time.Duration

	// GracePeriod overrides Config.GracePeriod.
	GracePeriod time.Duration

	// Restart overrides the watcher's default restart policy.
	Restart *service.RestartPolicy
}

// Order returns service names in dependency order. Services with no
// ordering constraint between them keep their registration order.
func Order(specs []Spec) ([]string, error) {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.Name] = i
	}

	indegree := make([]int, len(specs))
	dependents := make([][]int, len(specs))
	for i, s := range specs {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, s.Name, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i := range specs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(specs))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		order = append(order, specs[i].Name)
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(specs) {
		var stuck []string
		for i, n := range indegree {
			if n > 0 {
				stuck = append(stuck, specs[i].Name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}
