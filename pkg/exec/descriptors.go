package exec

// SlotDescriptor describes one column of a tuple.
type SlotDescriptor struct {
	ID       int32
	Name     string
	Type     string
	Nullable bool
}

// TupleDescriptor describes the layout of one row type produced by a plan node.
type TupleDescriptor struct {
	ID    int32
	Slots []SlotDescriptor
}

// DescriptorTable is the schema metadata shipped with a query's fragments. It is
// owned by the caller and treated as read-only once attached to a query.
type DescriptorTable struct {
	Tuples []TupleDescriptor
}

// Tuple looks up a tuple descriptor by id.
func (d *DescriptorTable) Tuple(id int32) (TupleDescriptor, bool) {
	for _, t := range d.Tuples {
		if t.ID == id {
			return t, true
		}
	}
	return TupleDescriptor{}, false
}
