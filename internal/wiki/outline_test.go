package wiki

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutlineWithSurroundingProse(t *testing.T) {
	raw := `Sure! Here is the structure you asked for:

<wiki_structure>
  <title>Widgets</title>
  <sections>
    <section>
      <title>Architecture</title>
      <pages>
        <page>
          <title>Pipeline</title>
          <importance>High</importance>
          <relevant_files>
            <file>internal/pipeline/run.go</file>
            <file> internal/worker/runner.go </file>
          </relevant_files>
        </page>
        <page>
          <title>Storage</title>
          <importance>banana</importance>
          <relevant_files><file>internal/store/store.go</file></relevant_files>
        </page>
      </pages>
    </section>
  </sections>
</wiki_structure>

Let me know if you need changes.`

	outline, err := ParseOutline(raw)
	require.NoError(t, err)
	assert.Equal(t, "Widgets", outline.Title)
	require.Len(t, outline.Sections, 1)
	sec := outline.Sections[0]
	assert.Equal(t, "Architecture", sec.Title)
	require.Len(t, sec.Pages, 2)
	assert.Equal(t, "high", sec.Pages[0].Importance)
	assert.Equal(t, []string{"internal/pipeline/run.go", "internal/worker/runner.go"}, sec.Pages[0].RelevantFiles)
	// Unknown importance normalizes to medium.
	assert.Equal(t, "medium", sec.Pages[1].Importance)
}

func TestParseOutlineRejectsMissingElement(t *testing.T) {
	_, err := ParseOutline("no structure here, sorry")
	require.Error(t, err)

	_, err = ParseOutline("<wiki_structure><sections></sections></wiki_structure>")
	require.Error(t, err)
}

func TestDefaultOutline(t *testing.T) {
	files := make([]string, 30)
	for i := range files {
		files[i] = "f.go"
	}
	outline := DefaultOutline("widgets", files)
	require.Len(t, outline.Sections, 1)
	require.Len(t, outline.Sections[0].Pages, 1)
	assert.Equal(t, "high", outline.Sections[0].Pages[0].Importance)
	assert.Len(t, outline.Sections[0].Pages[0].RelevantFiles, 20)
}

func TestMergeDiagrams(t *testing.T) {
	specs := splitDiagramBlocks("DIAGRAM_0:\n```mermaid\ngraph TD; A-->B\n```\nDIAGRAM_1:\n```mermaid\nsequenceDiagram\n```")
	require.Len(t, specs, 2)
	assert.Contains(t, specs[0], "graph TD")
	assert.Contains(t, specs[1], "sequenceDiagram")

	prose := "Intro.\n\n[DIAGRAM_0]\n\nMiddle.\n\n[DIAGRAM_5]\n\nEnd."
	merged := mergeDiagrams(prose, specs)
	assert.Contains(t, merged, "graph TD")
	// Placeholder with no matching spec is stripped.
	assert.NotContains(t, merged, "[DIAGRAM_5]")
	assert.NotContains(t, merged, "[DIAGRAM_0]")
}

func TestExtractJSON(t *testing.T) {
	got := extractJSON("Here you go:\n```json\n{\"subsections\": [\"a\"]}\n```")
	assert.JSONEq(t, `{"subsections": ["a"]}`, string(got))
}
