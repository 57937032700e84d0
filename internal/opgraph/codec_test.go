package opgraph

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/specialistvlad/forgegrid/internal/fsys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Run("empty graph", func(t *testing.T) {
		data, err := Encode(Empty())
		require.NoError(t, err)
		assert.Len(t, data, 4+2+2+4+4)

		g, err := Decode(data)
		require.NoError(t, err)
		assert.Zero(t, g.Len())

		again, err := Encode(g)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	})

	t.Run("diamond with empty collections", func(t *testing.T) {
		b := NewBuilder()
		lone, err := b.AddOperation("", Command{Executable: "true"}, nil, nil)
		require.NoError(t, err)
		g0, ids := diamond(t)
		for _, op := range g0.Operations() {
			_, err := b.AddOperation(op.Title, op.Command, op.DeclaredInput, op.DeclaredOutput)
			require.NoError(t, err)
		}
		require.NoError(t, b.AddChild(ids["root"], ids["a"]))
		require.NoError(t, b.AddChild(ids["root"], ids["b"]))
		require.NoError(t, b.AddChild(ids["a"], ids["c"]))
		require.NoError(t, b.AddChild(ids["b"], ids["c"]))
		g, err := b.Build()
		require.NoError(t, err)
		assert.Equal(t, []OperationID{lone, ids["root"]}, g.Roots())

		data, err := Encode(g)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err)

		if diff := cmp.Diff(g.Operations(), decoded.Operations(), cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("decoded operations differ (-want +got):\n%s", diff)
		}
		assert.Equal(t, g.Roots(), decoded.Roots())

		again, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, data, again, "load then save must reproduce the same bytes")
	})
}

func TestDecodeRejectsCorruptInput(t *testing.T) {
	g, _ := diamond(t)
	valid, err := Encode(g)
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte("XXXX"), valid[4:]...)
		_, err := Decode(bad)
		var corrupt *CorruptGraphError
		require.ErrorAs(t, err, &corrupt)
		assert.Contains(t, corrupt.Reason, "magic")
	})

	t.Run("unsupported version", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[4] = 9
		_, err := Decode(bad)
		assert.ErrorContains(t, err, "unsupported version")
	})

	t.Run("every truncation is rejected", func(t *testing.T) {
		for n := 0; n < len(valid); n++ {
			_, err := Decode(valid[:n])
			var corrupt *CorruptGraphError
			require.ErrorAs(t, err, &corrupt, "prefix of %d bytes accepted", n)
		}
	})

	t.Run("trailing garbage", func(t *testing.T) {
		_, err := Decode(append(append([]byte(nil), valid...), 0))
		assert.ErrorContains(t, err, "trailing")
	})

	t.Run("huge operation count", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[8], bad[9], bad[10], bad[11] = 0xff, 0xff, 0xff, 0x7f
		_, err := Decode(bad)
		assert.ErrorContains(t, err, "exceeds remaining")
	})

	t.Run("dangling child", func(t *testing.T) {
		op := &Operation{ID: IdentityOf(cmd("p")), Command: cmd("p"), Children: []OperationID{99}}
		data, err := Encode(newGraph([]*Operation{op}, []OperationID{op.ID}))
		require.NoError(t, err)
		_, err = Decode(data)
		var dang *DanglingReferenceError
		assert.ErrorAs(t, err, &dang)
	})

	t.Run("identity mismatch", func(t *testing.T) {
		op := &Operation{ID: 12345, Command: cmd("p")}
		data, err := Encode(newGraph([]*Operation{op}, []OperationID{op.ID}))
		require.NoError(t, err)
		_, err = Decode(data)
		assert.ErrorContains(t, err, "does not match its command identity")
	})

	t.Run("cycle in file", func(t *testing.T) {
		r := &Operation{ID: IdentityOf(cmd("r")), Command: cmd("r")}
		a := &Operation{ID: IdentityOf(cmd("a")), Command: cmd("a")}
		b := &Operation{ID: IdentityOf(cmd("b")), Command: cmd("b")}
		r.Children = []OperationID{a.ID}
		a.Children = []OperationID{b.ID}
		b.Children = []OperationID{a.ID}
		data, err := Encode(newGraph([]*Operation{r, a, b}, []OperationID{r.ID}))
		require.NoError(t, err)

		_, err = Decode(data)
		var corrupt *CorruptGraphError
		var cyc *CyclicGraphError
		require.ErrorAs(t, err, &corrupt)
		require.ErrorAs(t, err, &cyc)
		assert.Equal(t, b.ID, cyc.Parent)
		assert.Equal(t, a.ID, cyc.Child)
	})
}

func TestReadWriteFile(t *testing.T) {
	g, _ := diamond(t)
	path := filepath.Join(t.TempDir(), "build", "graph.bin")
	fs := fsys.NewOS()

	require.NoError(t, WriteFile(fs, path, g))
	loaded, err := ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, g.IDs(), loaded.IDs())

	_, err = ReadFile(fs, filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorContains(t, err, "read graph")
}
