package detector

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Map is the bucket -> detector -> channel allow-list configuration.
type Map map[string]map[string][]string

// LoadMap reads a detector map. JSON maps are accepted as they are valid YAML.
func LoadMap(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read detector map: %w", err)
	}
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse detector map %s: %w", path, err)
	}
	if m == nil {
		m = Map{}
	}
	return m, nil
}

// Registry resolves which detectors apply to a channel. It is safe for
// concurrent use; the map can be swapped while workers read it.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	buckets   map[string]map[string]map[string]bool // bucket -> detector -> lower(channel)
	file      Map
	extra     Map
}

// NewRegistry returns a registry holding the given detectors and no map.
func NewRegistry(detectors ...Detector) *Registry {
	r := &Registry{
		detectors: make(map[string]Detector),
		buckets:   make(map[string]map[string]map[string]bool),
		file:      Map{},
		extra:     Map{},
	}
	for _, d := range detectors {
		r.detectors[d.Name] = d
	}
	return r
}

// Register adds a detector.
func (r *Registry) Register(d Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.detectors[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.Name)
	}
	r.detectors[d.Name] = d
	return nil
}

// SetMap replaces the file-sourced allow-list map. Every detector it names
// must be registered; on error the previous map stays in place.
func (r *Registry) SetMap(m Map) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(m); err != nil {
		return err
	}
	r.file = m
	r.rebuild()
	return nil
}

// AddChannels merges extra allow-list entries into a bucket. Entries added
// this way survive SetMap; expression detectors from the main config use it.
func (r *Registry) AddChannels(bucket, detector string, channels []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.detectors[detector]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDetector, detector)
	}
	if r.extra[bucket] == nil {
		r.extra[bucket] = map[string][]string{}
	}
	r.extra[bucket][detector] = append(r.extra[bucket][detector], channels...)
	r.rebuild()
	return nil
}

func (r *Registry) check(m Map) error {
	for bucket, dets := range m {
		for name := range dets {
			if _, ok := r.detectors[name]; !ok {
				return fmt.Errorf("%w: %s (bucket %s)", ErrUnknownDetector, name, bucket)
			}
		}
	}
	return nil
}

// rebuild recomputes the lookup table; callers hold mu.
func (r *Registry) rebuild() {
	buckets := make(map[string]map[string]map[string]bool)
	for _, m := range []Map{r.file, r.extra} {
		for bucket, dets := range m {
			if buckets[bucket] == nil {
				buckets[bucket] = make(map[string]map[string]bool)
			}
			for name, channels := range dets {
				allow := buckets[bucket][name]
				if allow == nil {
					allow = make(map[string]bool, len(channels))
					buckets[bucket][name] = allow
				}
				for _, c := range channels {
					allow[strings.ToLower(c)] = true
				}
			}
		}
	}
	r.buckets = buckets
}

// HasBucket reports whether any detector is configured for bucket.
func (r *Registry) HasBucket(bucket string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.buckets[bucket]
	return ok
}

// Candidates returns the detectors of bucket whose allow-list contains
// channel (case-insensitive), ordered by name.
func (r *Registry) Candidates(bucket, channel string) []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := strings.ToLower(channel)
	var out []Detector
	for name, allow := range r.buckets[bucket] {
		if allow[key] {
			out = append(out, r.detectors[name])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns a registered detector by name.
func (r *Registry) Lookup(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Resolve validates a (channel type, detector) pair for backfill and returns
// the detector with its allow-list.
func (r *Registry) Resolve(bucket, name string) (Detector, []string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dets, ok := r.buckets[bucket]
	if !ok {
		return Detector{}, nil, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	if _, ok := dets[name]; !ok {
		return Detector{}, nil, fmt.Errorf("%w: %s not configured for %s", ErrUnknownDetector, name, bucket)
	}
	d, ok := r.detectors[name]
	if !ok {
		return Detector{}, nil, fmt.Errorf("%w: %s", ErrUnknownDetector, name)
	}
	var channels []string
	channels = append(channels, r.file[bucket][name]...)
	channels = append(channels, r.extra[bucket][name]...)
	return d, channels, nil
}

// Snapshot returns a copy of the current map.
func (r *Registry) Snapshot() Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Map{}
	for _, m := range []Map{r.file, r.extra} {
		for b, dets := range m {
			if out[b] == nil {
				out[b] = map[string][]string{}
			}
			for d, ch := range dets {
				out[b][d] = append(out[b][d], ch...)
			}
		}
	}
	return out
}
