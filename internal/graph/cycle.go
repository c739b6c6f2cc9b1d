package graph

// wouldCreateCycle reports whether adding the edge member -> target
// would close a cycle among groups. It searches from target along
// existing containment edges (target, then the groups containing
// target, and so on): if member is reachable that way, the new edge
// completes a cycle.
//
// The search visits only groups reachable from target, not the whole
// graph. ceiling bounds the number of visited groups; exceeding it
// means the acyclic invariant is already broken and is reported as
// ErrCeilingExceeded rather than looping.
func wouldCreateCycle(s *Snapshot, member, target string, ceiling int) (bool, error) {
	if member == target {
		return true, nil
	}

	visited := map[string]struct{}{target: {}}
	queue := []string{target}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for container := range s.memberOf[GroupRef(current)] {
			if container == member {
				return true, nil
			}
			if _, seen := visited[container]; seen {
				continue
			}
			visited[container] = struct{}{}
			if len(visited) > ceiling {
				return false, ErrCeilingExceeded
			}
			queue = append(queue, container)
		}
	}

	return false, nil
}
