package opqueue

// Formatter receives a structured, read-only view of queue state. Sections
// nest: every OpenObject or OpenArray is matched by a CloseSection. Names
// of values written directly inside an array are ignored.
type Formatter interface {
	OpenObject(name string)
	OpenArray(name string)
	CloseSection()

	DumpInt(name string, v int64)
	DumpUint(name string, v uint64)
	DumpFloat(name string, v float64)
	DumpString(name string, v string)
	DumpBool(name string, v bool)
}

type treeFrame struct {
	name  string
	array bool
	obj   map[string]any
	arr   []any
}

// TreeFormatter collects a dump into nested map[string]any and []any
// values, ready for any encoder.
type TreeFormatter struct {
	root  map[string]any
	stack []*treeFrame
}

var _ Formatter = (*TreeFormatter)(nil)

func NewTreeFormatter() *TreeFormatter {
	root := make(map[string]any)
	return &TreeFormatter{
		root:  root,
		stack: []*treeFrame{{obj: root}},
	}
}

// Root returns the collected tree. Sections still open are not included.
func (f *TreeFormatter) Root() map[string]any { return f.root }

func (f *TreeFormatter) put(name string, v any) {
	top := f.stack[len(f.stack)-1]
	if top.array {
		top.arr = append(top.arr, v)
		return
	}
	top.obj[name] = v
}

func (f *TreeFormatter) OpenObject(name string) {
	f.stack = append(f.stack, &treeFrame{name: name, obj: make(map[string]any)})
}

func (f *TreeFormatter) OpenArray(name string) {
	f.stack = append(f.stack, &treeFrame{name: name, array: true, arr: []any{}})
}

func (f *TreeFormatter) CloseSection() {
	if len(f.stack) == 1 {
		panic("opqueue: CloseSection without open section")
	}
	top := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	if top.array {
		f.put(top.name, top.arr)
	} else {
		f.put(top.name, top.obj)
	}
}

func (f *TreeFormatter) DumpInt(name string, v int64)     { f.put(name, v) }
func (f *TreeFormatter) DumpUint(name string, v uint64)   { f.put(name, v) }
func (f *TreeFormatter) DumpFloat(name string, v float64) { f.put(name, v) }
func (f *TreeFormatter) DumpString(name string, v string) { f.put(name, v) }
func (f *TreeFormatter) DumpBool(name string, v bool)     { f.put(name, v) }
