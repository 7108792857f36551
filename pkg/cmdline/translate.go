package cmdline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
)

const source = "cmdline"

// Result is the outcome of one translation.
type Result struct {
	// Options is the translated command line, sorted.
	Options []string
	// Unparsed are tokens passed through without being understood, in input order.
	Unparsed []string
	// Dropped are tokens removed because they conflict or are replaced by synthesized ones.
	Dropped     []string
	Diagnostics schema.Diagnostics
}

func (r Result) String() string {
	return strings.Join(r.Options, " ")
}

// Append adds tokens to the translated command line, keeping it deduplicated and sorted.
func (r *Result) Append(tokens ...string) {
	r.Options = internalUtils.UniqueSlice(append(r.Options, tokens...))
	sort.Strings(r.Options)
}

type translator struct {
	topo schema.Topology
	res  Result
	seen map[string]bool

	rootSeen bool
	// stripped maps a luks mapper name removed from luks.name to its uuid.
	stripped map[string]string
}

// Translate converts kernel command line strings to the dracut dialect given the storage topology.
// It never fails, problems are reported as diagnostics on the result.
func Translate(inputs []string, topo schema.Topology) Result {
	t := &translator{topo: topo, seen: map[string]bool{}, stripped: map[string]string{}}

	var tokens []string
	for _, in := range inputs {
		tokens = append(tokens, strings.Fields(in)...)
	}
	for _, tok := range internalUtils.UniqueSlice(tokens) {
		t.token(tok)
	}
	t.synthesizeLVM()
	t.synthesizeLUKS()
	t.rewriteRoot()

	sort.Strings(t.res.Options)
	internalUtils.Log.Debug().Strs("options", t.res.Options).Strs("unparsed", t.res.Unparsed).Strs("dropped", t.res.Dropped).Msg("Translated kernel command line")
	return t.res
}

func (t *translator) emit(tok string) {
	if t.seen[tok] {
		return
	}
	t.seen[tok] = true
	t.res.Options = append(t.res.Options, tok)
}

func (t *translator) unparsed(tok string) {
	t.emit(tok)
	t.res.Unparsed = append(t.res.Unparsed, tok)
}

func (t *translator) warn(format string, args ...interface{}) {
	t.res.Diagnostics.Add(schema.SeverityWarning, source, format, args...)
}

func (t *translator) token(tok string) {
	key, value, hasValue := strings.Cut(tok, "=")

	switch {
	case tok == "quiet" || tok == "splash" || tok == "rhgb" || key == "splash":
		internalUtils.Log.Debug().Str("token", tok).Msg("Stripping cosmetic option")
	case key == "root" && hasValue:
		if t.rootSeen {
			t.warn("multiple root= options, dropping %s", tok)
			t.res.Dropped = append(t.res.Dropped, tok)
			return
		}
		t.rootSeen = true
		t.emit(tok)
	case tok == "dolvm" || key == "rd.lvm.vg":
		t.res.Dropped = append(t.res.Dropped, tok)
	case key == "rd.lvm.lv" && hasValue:
		t.emit(tok)
	case key == "crypt_root":
		u, ok := internalUtils.CanonicalUUID(strings.TrimPrefix(value, "UUID="))
		if !strings.HasPrefix(value, "UUID=") || !ok {
			t.warn("malformed uuid in %s", tok)
			t.unparsed(tok)
			return
		}
		t.emit("rd.luks.uuid=" + u)
	case key == "luks" || key == "rd.luks":
		t.boolean(tok, "rd.luks", value)
	case key == "luks.crypttab" || key == "rd.luks.crypttab":
		t.boolean(tok, "rd.luks.crypttab", value)
	case key == "luks.uuid" || key == "rd.luks.uuid":
		u, ok := internalUtils.CanonicalUUID(strings.TrimPrefix(value, "luks-"))
		if !ok {
			t.warn("malformed uuid in %s", tok)
			t.unparsed(tok)
			return
		}
		t.emit("rd.luks.uuid=" + u)
	case key == "luks.name" || key == "rd.luks.name":
		t.name(tok, value)
	case key == "luks.key" || key == "rd.luks.key":
		t.key(tok, value)
	default:
		t.unparsed(tok)
	}
}

func (t *translator) boolean(tok, target, value string) {
	switch {
	case value == "yes":
		t.emit(target + "=1")
	case value == "no":
		t.emit(target + "=0")
	case isNumeric(value):
		t.emit(target + "=" + value)
	default:
		t.warn("unrecognized value in %s", tok)
		t.unparsed(tok)
	}
}

func (t *translator) name(tok, value string) {
	rawUUID, mapper, hasName := strings.Cut(value, "=")
	u, ok := internalUtils.CanonicalUUID(strings.TrimPrefix(rawUUID, "luks-"))
	if !ok {
		t.warn("malformed uuid in %s", tok)
		t.unparsed(tok)
		return
	}
	if hasName && mapper != "" {
		t.warn("named luks mappings are not supported, dropping name %q from %s", mapper, tok)
		t.stripped[mapper] = u
	}
	t.emit("rd.luks.uuid=" + u)
}

// key parses either key[:keydev][:luksdev] or [UUID=]luksdev=key[:keydev].
func (t *translator) key(tok, value string) {
	var key, keyDev, luksDev string
	eq := strings.Index(value, "=")
	colon := strings.Index(value, ":")

	if eq >= 0 && (colon < 0 || eq < colon) {
		rest := value
		hasUUID := strings.HasPrefix(rest, "UUID=")
		rest = strings.TrimPrefix(rest, "UUID=")
		var keySpec string
		var found bool
		luksDev, keySpec, found = strings.Cut(rest, "=")
		if !found {
			t.warn("malformed luks key in %s", tok)
			t.unparsed(tok)
			return
		}
		key, keyDev, _ = strings.Cut(keySpec, ":")
		if u, ok := internalUtils.CanonicalUUID(luksDev); ok {
			luksDev = "UUID=" + u
		} else if hasUUID {
			t.warn("malformed uuid in %s", tok)
			t.unparsed(tok)
			return
		}
	} else {
		parts := strings.SplitN(value, ":", 3)
		key = parts[0]
		if len(parts) > 1 {
			keyDev = parts[1]
		}
		if len(parts) > 2 {
			luksDev = parts[2]
		}
	}

	if key == "" {
		t.warn("malformed luks key in %s", tok)
		t.unparsed(tok)
		return
	}

	out := key
	if keyDev != "" || luksDev != "" {
		out += ":" + keyDev
	}
	if luksDev != "" {
		out += ":" + luksDev
	}
	t.emit("rd.luks.key=" + out)
}

func (t *translator) synthesizeLVM() {
	system := constants.SystemMountPoints()
	for _, l := range t.topo.LayersOf(schema.LayerLVM) {
		if !internalUtils.IsSystemMountPoint(l.MountPoint, system) {
			continue
		}
		if l.VolumeGroup == "" || l.LogicalVolume == "" {
			t.res.Diagnostics.Add(schema.SeverityError, source, "no volume group known for the logical volume backing %s, not adding rd.lvm.lv", l.MountPoint)
			continue
		}
		t.emit(fmt.Sprintf("rd.lvm.lv=%s/%s", l.VolumeGroup, l.LogicalVolume))
	}
}

func (t *translator) synthesizeLUKS() {
	system := constants.SystemMountPoints()
	for _, l := range t.topo.LayersOf(schema.LayerLUKS) {
		if !internalUtils.IsSystemMountPoint(l.MountPoint, system) {
			continue
		}
		u, ok := internalUtils.CanonicalUUID(l.ParentUUID)
		if !ok {
			t.warn("no usable luks uuid for %s backing %s", l.MapperName, l.MountPoint)
			continue
		}
		t.emit("rd.luks.uuid=" + u)
	}
}

// rewriteRoot points root= at the filesystem uuid when it names a mapping whose name was dropped.
func (t *translator) rewriteRoot() {
	for i, tok := range t.res.Options {
		if !strings.HasPrefix(tok, "root=/dev/mapper/") {
			continue
		}
		name := strings.TrimPrefix(tok, "root=/dev/mapper/")
		if _, ok := t.stripped[name]; !ok {
			continue
		}
		fsUUID, ok := t.topo.MapperUUIDs[name]
		if !ok || fsUUID == "" {
			t.warn("root=%s uses a luks mapper name that will change and its filesystem uuid is unknown", strings.TrimPrefix(tok, "root="))
			continue
		}
		rewritten := "root=UUID=" + fsUUID
		delete(t.seen, tok)
		t.seen[rewritten] = true
		t.res.Options[i] = rewritten
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
