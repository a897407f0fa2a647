package model

// Collection names in the backing document store.
const (
	CollectionExperiment  = "experiment"
	CollectionTestRun     = "testRun"
	CollectionTestRunData = "testRunData"
	CollectionNodeStatus  = "nodeStatus"
	CollectionLastUpdate  = "lastUpdate"
)

// WatchedCollections are the collections the change feed covers. Experiments
// are snapshot-only: dashboards receive them once on connect and no live
// subscription ever targets them.
func WatchedCollections() []string {
	return []string{
		CollectionNodeStatus,
		CollectionTestRun,
		CollectionTestRunData,
		CollectionLastUpdate,
	}
}

func (*Experiment) Collection() string  { return CollectionExperiment }
func (*TestRun) Collection() string     { return CollectionTestRun }
func (*TestRunData) Collection() string { return CollectionTestRunData }
func (*NodeStatus) Collection() string  { return CollectionNodeStatus }
func (*LastUpdate) Collection() string  { return CollectionLastUpdate }

func (e *Experiment) DocumentID() string   { return e.ID }
func (tr *TestRun) DocumentID() string     { return tr.ID }
func (d *TestRunData) DocumentID() string  { return d.ID }
func (ns *NodeStatus) DocumentID() string  { return ns.ID }
func (lu *LastUpdate) DocumentID() string  { return lu.ID }
