package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"sync"
	"time"

	ini "gopkg.in/ini.v1"
)

// UnsubscribeFunc removes a previously registered subscription. Calling it
// more than once is harmless.
type UnsubscribeFunc func()

// Transform converts a raw option value into a typed one
type Transform[T any] func(raw string) (T, error)

// Built-in transforms for common option types
var (
	// AsString returns the raw value unchanged
	AsString Transform[string] = func(raw string) (string, error) { return raw, nil }

	// AsInt parses a decimal integer
	AsInt Transform[int] = strconv.Atoi

	// AsBool parses a boolean (1/t/true/0/f/false and friends)
	AsBool Transform[bool] = strconv.ParseBool

	// AsOctal parses an octal file mode string such as "0007"
	AsOctal Transform[fs.FileMode] = func(raw string) (fs.FileMode, error) {
		n, err := strconv.ParseUint(raw, 8, 32)
		if err != nil {
			return 0, err
		}
		return fs.FileMode(n), nil
	}

	// AsDuration parses a Go duration string such as "30s"
	AsDuration Transform[time.Duration] = time.ParseDuration
)

// ConfigOption is a single named value inside a section. The object persists
// across reloads: once created for a name it is never replaced, only its
// presence flag and raw value change, so callers may hold long-lived
// references to it.
type ConfigOption struct {
	// Name is the option name within its section
	Name string

	file     *ConfigFile
	value    string
	hasValue bool
	inFile   bool
	subs     []optionSub
	nextSub  int
}

type optionSub struct {
	id     int
	notify func()
}

// Value returns the current raw value and whether the option is set
func (o *ConfigOption) Value() (string, bool) {
	o.file.mu.Lock()
	defer o.file.mu.Unlock()
	return o.value, o.hasValue
}

// InFile reports whether the option was present in the file at the last update
func (o *ConfigOption) InFile() bool {
	o.file.mu.Lock()
	defer o.file.mu.Unlock()
	return o.inFile
}

// set applies a fresh raw value (or clears it when has is false), appending a
// subscriber notification to pending only when the raw value actually changed.
func (o *ConfigOption) set(raw string, has bool, pending *[]func()) {
	if o.hasValue == has && o.value == raw {
		return
	}
	if !has && !o.hasValue {
		return
	}
	o.value, o.hasValue = raw, has
	for _, s := range o.subs {
		*pending = append(*pending, s.notify)
	}
}

func (o *ConfigOption) update(values map[string]string, pending *[]func()) {
	raw, ok := values[o.Name]
	o.inFile = ok
	if ok {
		o.set(raw, true, pending)
	} else {
		o.set("", false, pending)
	}
}

// OptionValue returns transform(raw) when the option is set, else def.
// Transform failures propagate to the caller, never silently defaulted.
func OptionValue[T any](o *ConfigOption, def T, transform Transform[T]) (T, error) {
	raw, ok := o.Value()
	if !ok {
		return def, nil
	}
	return transform(raw)
}

// OnUpdate registers a value-changed subscription on o. Whenever the raw value
// changes, cb receives transform(new raw) — or def when the option became
// unset — and eb receives the failure if the transform fails. A nil eb drops
// transform failures. The returned handle removes the subscription.
func OnUpdate[T any](o *ConfigOption, def T, transform Transform[T], cb func(T), eb func(error)) UnsubscribeFunc {
	o.file.mu.Lock()
	defer o.file.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	o.subs = append(o.subs, optionSub{
		id: id,
		notify: func() {
			v, err := OptionValue(o, def, transform)
			if err != nil {
				if eb != nil {
					eb(err)
				}
				return
			}
			cb(v)
		},
	})

	return func() {
		o.file.mu.Lock()
		defer o.file.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// ConfigSection is a named group of options. Like options, sections persist
// across reloads and are only ever marked present or absent.
type ConfigSection struct {
	// Name is the section name
	Name string

	file     *ConfigFile
	options  map[string]*ConfigOption
	inFile   bool
	onAdd    []entitySub[*ConfigOption]
	onRemove []entitySub[*ConfigOption]
	nextSub  int
}

type entitySub[T any] struct {
	id int
	cb func(T)
}

// Option returns the option with the given name, creating it if needed.
// The returned object is stable across reloads.
func (s *ConfigSection) Option(name string) *ConfigOption {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return s.option(name)
}

func (s *ConfigSection) option(name string) *ConfigOption {
	if o, ok := s.options[name]; ok {
		return o
	}
	o := &ConfigOption{Name: name, file: s.file}
	s.options[name] = o
	return o
}

// InFile reports whether the section was present in the file at the last update
func (s *ConfigSection) InFile() bool {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return s.inFile
}

// OnAdd registers cb to fire once whenever an option newly appears in the file
func (s *ConfigSection) OnAdd(cb func(*ConfigOption)) UnsubscribeFunc {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return subscribe(&s.onAdd, &s.nextSub, cb, &s.file.mu)
}

// OnRemove registers cb to fire once whenever an option disappears from the
// file. The option itself survives with its presence flag cleared.
func (s *ConfigSection) OnRemove(cb func(*ConfigOption)) UnsubscribeFunc {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return subscribe(&s.onRemove, &s.nextSub, cb, &s.file.mu)
}

func subscribe[T any](subs *[]entitySub[T], next *int, cb func(T), mu *sync.Mutex) UnsubscribeFunc {
	id := *next
	*next++
	*subs = append(*subs, entitySub[T]{id: id, cb: cb})
	return func() {
		mu.Lock()
		defer mu.Unlock()
		for i, s := range *subs {
			if s.id == id {
				*subs = append((*subs)[:i], (*subs)[i+1:]...)
				return
			}
		}
	}
}

// update reconciles the section against the fresh parse. values is nil when
// the section is absent from the file.
func (s *ConfigSection) update(values map[string]string, present bool, pending *[]func()) {
	before := make(map[*ConfigOption]bool)
	for _, o := range s.options {
		if o.inFile {
			before[o] = true
		}
	}

	s.inFile = present
	after := make(map[*ConfigOption]bool)
	for name := range values {
		after[s.option(name)] = true
	}

	for o := range after {
		if !before[o] {
			for _, sub := range s.onAdd {
				cb, opt := sub.cb, o
				*pending = append(*pending, func() { cb(opt) })
			}
		}
	}
	for o := range before {
		if !after[o] {
			for _, sub := range s.onRemove {
				cb, opt := sub.cb, o
				*pending = append(*pending, func() { cb(opt) })
			}
		}
	}

	for _, name := range sortedOptionNames(s.options) {
		s.options[name].update(values, pending)
	}
}

func sortedOptionNames(m map[string]*ConfigOption) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfigFile is a file-backed reactive configuration tree: file, sections,
// options. Update re-parses the file and reconciles the tree, firing add and
// remove subscribers on presence changes and value subscribers on raw value
// changes. Reapplying identical file contents fires nothing.
//
// Change detection compares raw values byte for byte. A reload that leaves an
// option's literal text untouched will not re-fire its subscribers even if a
// transform would now produce a different result due to external state.
type ConfigFile struct {
	// Path is the configuration file location. A missing file parses as empty.
	Path string

	mu       sync.Mutex
	sections map[string]*ConfigSection
	onAdd    []entitySub[*ConfigSection]
	onRemove []entitySub[*ConfigSection]
	nextSub  int
}

// NewConfigFile creates the reactive tree for path and performs the initial
// update. The ConfigFile is usable even when the initial parse fails.
func NewConfigFile(path string) (*ConfigFile, error) {
	f := &ConfigFile{
		Path:     path,
		sections: make(map[string]*ConfigSection),
	}
	return f, f.Update()
}

// Section returns the section with the given name, creating it if needed.
// The returned object is stable across reloads.
func (f *ConfigFile) Section(name string) *ConfigSection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.section(name)
}

func (f *ConfigFile) section(name string) *ConfigSection {
	if s, ok := f.sections[name]; ok {
		return s
	}
	s := &ConfigSection{
		Name:    name,
		file:    f,
		options: make(map[string]*ConfigOption),
	}
	f.sections[name] = s
	return s
}

// OnAdd registers cb to fire once whenever a section newly appears in the file
func (f *ConfigFile) OnAdd(cb func(*ConfigSection)) UnsubscribeFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return subscribe(&f.onAdd, &f.nextSub, cb, &f.mu)
}

// OnRemove registers cb to fire once whenever a section disappears from the file
func (f *ConfigFile) OnRemove(cb func(*ConfigSection)) UnsubscribeFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return subscribe(&f.onRemove, &f.nextSub, cb, &f.mu)
}

// Update parses the file fresh and reconciles the tree. For the file and
// recursively for each section it diffs the set of names present before
// against the names present after the parse, firing add subscribers for newly
// present names and remove subscribers for newly absent ones. Every known
// option then re-reads its value from the parse, notifying value subscribers
// only when the raw value differs. Subscribers run after reconciliation, off
// the internal lock, so they may read and subscribe freely.
func (f *ConfigFile) Update() error {
	parsed, err := parseConfig(f.Path)
	if err != nil {
		return err
	}

	f.mu.Lock()

	before := make(map[*ConfigSection]bool)
	for _, s := range f.sections {
		if s.inFile {
			before[s] = true
		}
	}

	after := make(map[*ConfigSection]bool)
	for name := range parsed {
		after[f.section(name)] = true
	}

	var pending []func()
	for s := range after {
		if !before[s] {
			for _, sub := range f.onAdd {
				cb, sec := sub.cb, s
				pending = append(pending, func() { cb(sec) })
			}
		}
	}
	for s := range before {
		if !after[s] {
			for _, sub := range f.onRemove {
				cb, sec := sub.cb, s
				pending = append(pending, func() { cb(sec) })
			}
		}
	}

	names := make([]string, 0, len(f.sections))
	for name := range f.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values, present := parsed[name]
		f.sections[name].update(values, present, &pending)
	}

	f.mu.Unlock()

	for _, fire := range pending {
		fire()
	}
	return nil
}

// Get returns transform(raw) for the option when it is set, else def.
// Transform failures propagate synchronously to the caller.
func Get[T any](f *ConfigFile, section, option string, def T, transform Transform[T]) (T, error) {
	return OptionValue(f.Section(section).Option(option), def, transform)
}

// Watch reads the option like Get and additionally subscribes cb/eb to future
// raw value changes. It returns the current value together with the
// subscription handle.
func Watch[T any](f *ConfigFile, section, option string, def T, transform Transform[T], cb func(T), eb func(error)) (T, UnsubscribeFunc, error) {
	o := f.Section(section).Option(option)
	unsub := OnUpdate(o, def, transform, cb, eb)
	v, err := OptionValue(o, def, transform)
	return v, unsub, err
}

// parseConfig reads the file into section -> option -> raw value. A missing
// file is an empty configuration, matching the behavior expected of a daemon
// that has not been configured yet.
func parseConfig(path string) (map[string]map[string]string, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: "=:"}, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	out := make(map[string]map[string]string)
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		values := make(map[string]string, len(sec.Keys()))
		for _, key := range sec.Keys() {
			values[key.Name()] = key.Value()
		}
		out[sec.Name()] = values
	}
	return out, nil
}
