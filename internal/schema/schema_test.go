package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Lowering(t *testing.T) {
	raw := []byte(`{
		"warnings": [{"text": "vague requirement", "line": 3}],
		"errors": [],
		"intentFiles": [{"projectNo": 1, "relativePath": "api/users.ic", "content": "fn list"}]
	}`)
	r, err := Decode[LoweringResult](raw)
	require.NoError(t, err)
	require.Len(t, r.IntentFiles, 1)
	assert.Equal(t, "api/users.ic", r.IntentFiles[0].RelativePath)
	assert.Len(t, r.Diags().Warnings, 1)
	assert.Equal(t, "line 3: vague requirement", r.Warnings[0].String())
	assert.False(t, HasErrors(r))
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `intent files follow`},
		{"message without text", `{"warnings":[{"line":1}],"errors":[],"intentFiles":[]}`},
		{"write without content", `{"intentFiles":[{"projectNo":1,"relativePath":"a.ic"}]}`},
		{"project number zero", `{"intentFiles":[{"projectNo":0,"relativePath":"a.ic","content":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode[LoweringResult]([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestDecode_CompileOperationTag(t *testing.T) {
	_, err := Decode[CompileResult]([]byte(`{"targetSource":"x","dependencyDeltas":[{"op":"upgrade","name":"zod"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one of")

	r, err := Decode[CompileResult]([]byte(`{"targetSource":"x","dependencyDeltas":[{"op":"add","name":"zod","minVersion":"3.22.0"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "zod", r.DependencyDeltas[0].Name)
}

func TestContext_CheckLowering(t *testing.T) {
	c := &Context{Projects: 2}

	ok := &LoweringResult{IntentFiles: []IntentFile{
		{ProjectNo: 1, RelativePath: "a.ic", Content: "x"},
		{ProjectNo: 2, RelativePath: "a.ic", Content: "y"},
	}}
	assert.NoError(t, c.CheckLowering(ok))

	bad := []IntentFile{
		{ProjectNo: 3, RelativePath: "a.ic", Content: "x"},
		{ProjectNo: 1, RelativePath: "../escape.ic", Content: "x"},
		{ProjectNo: 1, RelativePath: "/abs.ic", Content: "x"},
		{ProjectNo: 1, RelativePath: "a//b.ic", Content: "x"},
		{ProjectNo: 1, RelativePath: "a.ic", Content: "   "},
	}
	for _, f := range bad {
		err := c.CheckLowering(&LoweringResult{IntentFiles: []IntentFile{f}})
		assert.True(t, IsValidationError(err), "expected rejection of %+v", f)
	}

	dup := &LoweringResult{IntentFiles: []IntentFile{
		{ProjectNo: 1, RelativePath: "a.ic", Content: "x"},
		{ProjectNo: 1, RelativePath: "a.ic", Content: "y"},
	}}
	assert.Error(t, c.CheckLowering(dup))
}

func TestContext_CheckTechStack(t *testing.T) {
	c := &Context{Extensions: map[string]string{"react-skills": "1.4.0"}}

	assert.NoError(t, c.CheckTechStack(&TechStackResult{Extensions: map[string]string{"react-skills": "1.2.0"}}))
	assert.Error(t, c.CheckTechStack(&TechStackResult{Extensions: map[string]string{"react-skills": "2.0.0"}}))
	assert.Error(t, c.CheckTechStack(&TechStackResult{Extensions: map[string]string{"vue-skills": "1.0.0"}}))
}

func TestContext_CheckIndexAndCompile(t *testing.T) {
	c := &Context{IntentFiles: map[string]bool{"models/user.ic": true}}
	assert.NoError(t, c.CheckIndex(&IndexResult{Imports: []string{"models/user.ic"}}))
	assert.Error(t, c.CheckIndex(&IndexResult{Imports: []string{"models/order.ic"}}))

	assert.Error(t, c.CheckCompile(&CompileResult{}))
	withErrors := &CompileResult{Diagnostics: Diagnostics{Errors: []Message{{Text: "contradiction"}}}}
	assert.NoError(t, c.CheckCompile(withErrors))
	assert.True(t, HasErrors(withErrors))
}

func TestCleanRelative(t *testing.T) {
	for p, want := range map[string]bool{
		"a.ic":      true,
		"dir/b.ic":  true,
		"":          false,
		".":         false,
		"./a.ic":    false,
		"..":        false,
		"../a.ic":   false,
		"a/../b.ic": false,
		`a\b.ic`:    false,
	} {
		assert.Equal(t, want, CleanRelative(p), p)
	}
}
