package dbuscache

import (
	"reflect"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/deskbridge/bridge/internal/jsonx"
	"github.com/deskbridge/bridge/internal/pathset"
)

func (c *Cache) snapshotInterfaces(path string) map[string]struct{} {
	out := make(map[string]struct{})
	if ifaces, ok := c.cache[path]; ok {
		for name := range ifaces {
			out[name] = struct{}{}
		}
	}
	return out
}

func (c *Cache) snapshotChildPaths(parentPath string) map[string]struct{} {
	out := make(map[string]struct{})
	for path := range c.cache {
		if pathset.HasParent(path, parentPath) {
			out[path] = struct{}{}
		}
	}
	return out
}

func (c *Cache) ensureInterfaces(path string) map[string]map[string]any {
	ifaces, ok := c.cache[path]
	if !ok {
		ifaces = make(map[string]map[string]any)
		c.cache[path] = ifaces
	}
	return ifaces
}

// ensureProperties returns the property table for path/iface, creating
// it (and announcing the interface's presence, and its schema via
// onMeta the first time it's ever seen) if necessary.
func (c *Cache) ensureProperties(path string, iface *introspect.Interface) map[string]any {
	ifaces := c.ensureInterfaces(path)
	props, ok := ifaces[iface.Name]
	if !ok {
		props = make(map[string]any)
		ifaces[iface.Name] = props
		c.log.Debugf("present %s at %s", iface.Name, path)
		c.emitChange(path, iface.Name, "", nil, false)
	}

	name := c.intern(iface.Name)
	if _, sent := c.introsent[name]; !sent {
		c.introsent[name] = struct{}{}
		if c.onMeta != nil {
			c.onMeta(iface)
		}
	}
	return props
}

func (c *Cache) emitInterfaces(path string) map[string]InterfaceUpdate {
	if c.pending == nil {
		c.pending = make(Update)
	}
	m, ok := c.pending[path]
	if !ok {
		m = make(map[string]InterfaceUpdate)
		c.pending[path] = m
	}
	return m
}

func (c *Cache) emitRemove(path, iface string) {
	m := c.emitInterfaces(path)
	m[iface] = InterfaceUpdate{Removed: true}
}

func (c *Cache) emitChange(path, iface, property string, value any, hasProperty bool) {
	m := c.emitInterfaces(path)
	entry, ok := m[iface]
	if !ok || entry.Removed || entry.Properties == nil {
		entry = InterfaceUpdate{Properties: map[string]any{}}
	}
	if hasProperty {
		entry.Properties[property] = value
	}
	m[iface] = entry
}

// processValue applies a single property change, suppressing it (per
// the cache's deep-equality contract) if the value is unchanged.
func (c *Cache) processValue(props map[string]any, path string, iface *introspect.Interface, property string, value any) {
	if prev, ok := props[property]; ok && jsonx.DeepEqual(prev, value) {
		return
	}
	props[property] = value
	c.log.Debugf("changed %s %s at %s", iface.Name, property, path)
	c.emitChange(path, iface.Name, property, value, true)
}

// processGet applies the single-property Get() reply and scrapes its
// value for further object-path references.
func (c *Cache) processGet(b *batch, path string, iface *introspect.Interface, property string, value dbus.Variant) {
	props := c.ensureProperties(path, iface)
	unwrapped := value.Value()
	c.processValue(props, path, iface, property, unwrapped)
	c.scrapeVariant(b, unwrapped)
}

// processProperties applies a GetAll()/PropertiesChanged "changed" dict.
func (c *Cache) processProperties(b *batch, path string, iface *introspect.Interface, dict map[string]dbus.Variant) {
	props := c.ensureProperties(path, iface)
	for name, v := range dict {
		c.processValue(props, path, iface, c.intern(name), v.Value())
	}
}

func (c *Cache) processGetAll(b *batch, path string, iface *introspect.Interface, dict map[string]dbus.Variant) {
	c.processProperties(b, path, iface, dict)
	c.scrapeVariant(b, dict)
}

// retrieveProperties calls GetAll() for iface at path, joining batch b.
// Concurrent requests for the same path/interface are collapsed via
// singleflight, since nothing else in the pipeline already dedupes them
// (unlike Introspect, which is globally serialized through one queue).
func (c *Cache) retrieveProperties(b *batch, path string, iface *introspect.Interface) {
	if iface.Name == propertiesInterface {
		return
	}
	c.log.Debugf("calling GetAll() for %s at %s", iface.Name, path)

	used := c.batchRef(b)
	objPath := dbus.ObjectPath(path)
	ifaceName := iface.Name
	key := "getall:" + path + "\x00" + ifaceName
	ctx, cancel := c.callCtx()
	go func() {
		defer cancel()
		v, err, _ := c.group.Do(key, func() (any, error) {
			return c.remote.GetAll(ctx, objPath, ifaceName)
		})
		c.loop.Post(func() {
			c.onGetAllReply(used, path, iface, v, err)
		})
	}()
}

func (c *Cache) onGetAllReply(b *batch, path string, iface *introspect.Interface, v any, err error) {
	if err != nil {
		logTieredError(c.log, err, "couldn't get all properties of %s at %s", iface.Name, path)
	} else {
		dict, _ := v.(map[string]dbus.Variant)
		c.log.Debugf("reply to GetAll() for %s at %s", iface.Name, path)
		c.processGetAll(b, path, iface, dict)
	}

	// Whether or not this failed, we know the interface exists.
	c.ensureProperties(path, iface)
	c.emitChange(path, iface.Name, "", nil, false)

	c.batchUnref(b)
}

// scrapeVariant deep-walks v looking for object-path values, and
// introspects every one that is not "/", not already cached, not inside
// a known ObjectManager subtree, and covered by the rules.
func (c *Cache) scrapeVariant(b *batch, v any) {
	paths := map[string]struct{}{}
	collectObjectPaths(reflect.ValueOf(v), paths)
	if len(paths) == 0 {
		return
	}

	used := b
	if used != nil {
		used = c.batchRef(used)
	}
	for path := range paths {
		if path == "/" {
			continue
		}
		if _, ok := c.cache[path]; ok {
			continue
		}
		if _, managed := c.managed.ContainsOrAncestor(path); managed {
			continue
		}
		if !c.rules.Match(path, "", "", "") {
			continue
		}
		if used == nil {
			used = c.batchCreate()
		}
		c.introspectQueue(used, path, "", nil)
	}
	if used != nil {
		c.batchUnref(used)
	}
}

func collectObjectPaths(v reflect.Value, out map[string]struct{}) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Interface:
		collectObjectPaths(v.Elem(), out)
	case reflect.Ptr:
		if !v.IsNil() {
			collectObjectPaths(v.Elem(), out)
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			collectObjectPaths(v.MapIndex(k), out)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collectObjectPaths(v.Index(i), out)
		}
	case reflect.String:
		if op, ok := v.Interface().(dbus.ObjectPath); ok {
			out[string(op)] = struct{}{}
		}
	default:
		if variant, ok := v.Interface().(dbus.Variant); ok {
			collectObjectPaths(reflect.ValueOf(variant.Value()), out)
		}
	}
}
