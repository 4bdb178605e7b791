// Package assign turns the interactive cluster-to-drone assignment into the
// compact request body the route planner expects.
package assign

import (
	"sort"
	"strconv"
	"strings"

	"agroops/analytics"
)

// Input is everything Reduce needs. Assignments map a cluster id to a 1-based
// slot in Roster; zero means unassigned. Quantities are keyed by drone id.
type Input struct {
	Assignments    map[int64]int
	Quantities     map[int64]int
	Roster         []analytics.Drone
	InputID        analytics.InputID
	ProcessingMode string
}

// Reduce keeps only the drones some cluster references, renumbers them 1..K
// in ascending slot order, and rewrites cluster tasks and quantities onto the
// new numbering. Clusters pointing at slots the roster no longer has are dropped.
func Reduce(in Input) analytics.FinalRequest {
	req := analytics.FinalRequest{
		InputID:        in.InputID,
		ProcessingMode: in.ProcessingMode,
		DroneIDs:       []int64{},
		DroneTasks:     map[int64]int{},
		NumType:        map[int]int{},
	}

	distinct := make(map[int]struct{})
	for _, slot := range in.Assignments {
		if slot > 0 {
			distinct[slot] = struct{}{}
		}
	}
	slots := make([]int, 0, len(distinct))
	for s := range distinct {
		slots = append(slots, s)
	}
	sort.Ints(slots)

	renum := make(map[int]int, len(slots))
	for _, s := range slots {
		if s > len(in.Roster) {
			continue
		}
		drone := in.Roster[s-1]
		req.DroneIDs = append(req.DroneIDs, drone.ID)
		newIdx := len(req.DroneIDs)
		renum[s] = newIdx
		req.NumType[newIdx] = SubmitQuantity(in.Quantities[drone.ID], drone)
	}

	for cluster, slot := range in.Assignments {
		if newIdx, ok := renum[slot]; ok {
			req.DroneTasks[cluster] = newIdx
		}
	}
	return req
}

// SubmitQuantity resolves the quantity sent for a drone: an explicit value if
// positive, otherwise the drone's declared quantity, never less than 1, and
// never above the declared quantity.
func SubmitQuantity(q int, drone analytics.Drone) int {
	if q <= 0 {
		q = drone.Quantity
	}
	return clamp(q, drone)
}

// ParseQuantity interprets a quantity typed by the operator. An empty value is
// a transient clear and yields 0; anything else is clamped to 1..drone.Quantity.
func ParseQuantity(raw string, drone analytics.Drone) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	q, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return clamp(q, drone), nil
}

func clamp(q int, drone analytics.Drone) int {
	upper := drone.Quantity
	if upper < 1 {
		upper = 1
	}
	if q < 1 {
		return 1
	}
	if q > upper {
		return upper
	}
	return q
}

// Prune removes assignments whose slot is outside 1..rosterLen and reports
// how many were dropped.
func Prune(assignments map[int64]int, rosterLen int) int {
	dropped := 0
	for cluster, slot := range assignments {
		if slot < 1 || slot > rosterLen {
			delete(assignments, cluster)
			dropped++
		}
	}
	return dropped
}
