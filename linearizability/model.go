package linearizability

// Operation is one client request as observed from the outside: its input,
// output, and the invocation/response timestamps that bound where it may
// linearize.
type Operation struct {
	Input  interface{}
	Call   int64 // invocation time
	Output interface{}
	Return int64 // response time
}

// Model describes the sequential specification being checked. Partition may
// split the history into independently checkable sub-histories; Step applies
// one operation to a state and reports whether the observed output is legal.
// Step must not mutate the state it is given.
type Model struct {
	Partition func(history []Operation) [][]Operation
	Init      func() interface{}
	Step      func(state, input, output interface{}) (bool, interface{})
	Equal     func(a, b interface{}) bool
}

// NoPartition checks the whole history as a single unit.
func NoPartition(history []Operation) [][]Operation {
	return [][]Operation{history}
}

// ShallowEqual compares states with ==.
func ShallowEqual(a, b interface{}) bool { return a == b }

// Store operation kinds.
const (
	OpGet uint8 = iota
	OpPut
)

// StoreInput is a get or put against the replicated key-value store.
type StoreInput struct {
	Op    uint8
	Key   string
	Value string
}

// StoreOutput is the value a get returned; ignored for puts.
type StoreOutput struct {
	Value string
}

// StoreModel is the sequential specification of the store: puts overwrite,
// gets return the latest written value, and a key never written reads as "".
// Histories are partitioned per key, which is sound because keys are
// independent registers.
func StoreModel() Model {
	return Model{
		Partition: func(history []Operation) [][]Operation {
			byKey := make(map[string][]Operation)
			for _, op := range history {
				key := op.Input.(StoreInput).Key
				byKey[key] = append(byKey[key], op)
			}
			parts := make([][]Operation, 0, len(byKey))
			for _, ops := range byKey {
				parts = append(parts, ops)
			}
			return parts
		},
		Init: func() interface{} { return "" },
		Step: func(state, input, output interface{}) (bool, interface{}) {
			in := input.(StoreInput)
			switch in.Op {
			case OpGet:
				return output.(StoreOutput).Value == state.(string), state
			case OpPut:
				return true, in.Value
			}
			return false, state
		},
		Equal: ShallowEqual,
	}
}
