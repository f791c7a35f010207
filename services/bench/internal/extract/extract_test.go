package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vpcBlock = `resource "aws_vpc" "main" {
  cidr_block = "10.0.0.0/16"
}
`

const subnetBlock = `resource "aws_subnet" "a" {
  vpc_id     = aws_vpc.main.id
  cidr_block = "10.0.1.0/24"
}
`

func TestExtractFencedFiles(t *testing.T) {
	response := "Here is the configuration.\n\n" +
		"**main.tf**\n```hcl\n" + vpcBlock + "```\n\n" +
		"**variables.tf**\n```hcl\nvariable \"cidr\" {\n  type = string\n}\n```\n"

	art, err := Extract(response)
	require.NoError(t, err)
	assert.Equal(t, StrategyFencedFiles, art.Strategy)
	assert.Equal(t, 2, art.CandidateBlocks)
	require.Len(t, art.Files, 2)
	assert.Contains(t, art.Files["main.tf"], "aws_vpc")
	assert.Contains(t, art.Files["variables.tf"], "variable \"cidr\"")
}

func TestExtractFencedFilesCommentHeader(t *testing.T) {
	response := "```terraform\n# main.tf\n" + vpcBlock + "```\n"

	art, err := Extract(response)
	require.NoError(t, err)
	assert.Equal(t, StrategyFencedFiles, art.Strategy)
	assert.Contains(t, art.Files["main.tf"], "aws_vpc")
}

func TestExtractSingleFencedBlock(t *testing.T) {
	response := "Sure, here you go:\n\n```terraform\n" + vpcBlock + "```\n\nLet me know if you need anything else."

	art, err := Extract(response)
	require.NoError(t, err)
	assert.Equal(t, StrategyFencedTagged, art.Strategy)
	assert.Equal(t, map[string]string{"main.tf": vpcBlock}, art.Files)
}

func TestExtractSingleFencedBlockKeepsMalformedCode(t *testing.T) {
	// A lone tagged block is the artifact even with broken braces; the
	// toolchain decides whether it is valid terraform.
	broken := "resource \"aws_vpc\" \"main\" {\n  cidr_block = \"10.0.0.0/16\"\n"
	response := "```terraform\n" + broken + "```\n"

	art, err := Extract(response)
	require.NoError(t, err)
	assert.Equal(t, StrategyFencedTagged, art.Strategy)
	assert.Equal(t, map[string]string{"main.tf": broken}, art.Files)
}

func TestExtractMultipleBlocksConcatenated(t *testing.T) {
	response := "```hcl\n" + vpcBlock + "```\n\nAnd the subnet:\n\n```hcl\n" + subnetBlock + "```\n"

	art, err := Extract(response)
	require.NoError(t, err)
	assert.Equal(t, StrategyFencedTagged, art.Strategy)
	require.Len(t, art.Files, 1)
	assert.Contains(t, art.Files["main.tf"], "aws_vpc")
	assert.Contains(t, art.Files["main.tf"], "aws_subnet")
}

func TestExtractFallsBackToLargestValidBlock(t *testing.T) {
	// The second block has an unbalanced brace, so concatenation fails
	// structural validation and the largest valid block wins.
	broken := "resource \"aws_subnet\" \"a\" {\n  vpc_id = aws_vpc.main.id\n"
	response := "```hcl\n" + vpcBlock + "```\n\n```hcl\n" + broken + "```\n"

	art, err := Extract(response)
	require.NoError(t, err)
	assert.Equal(t, StrategyFencedTagged, art.Strategy)
	assert.Equal(t, map[string]string{"main.tf": vpcBlock}, art.Files)
}

func TestExtractHeaderFiles(t *testing.T) {
	response := "## main.tf\n\n" + vpcBlock + "\n## outputs.tf\n\noutput \"vpc_id\" {\n  value = aws_vpc.main.id\n}\n"

	art, err := Extract(response)
	require.NoError(t, err)
	assert.Equal(t, StrategyHeaderFiles, art.Strategy)
	require.Len(t, art.Files, 2)
	assert.Contains(t, art.Files["main.tf"], "aws_vpc")
	assert.Contains(t, art.Files["outputs.tf"], "output \"vpc_id\"")
}

func TestExtractBareHCL(t *testing.T) {
	art, err := Extract(vpcBlock)
	require.NoError(t, err)
	assert.Equal(t, StrategyBareHCL, art.Strategy)
	assert.Contains(t, art.Files["main.tf"], "aws_vpc")
}

func TestExtractNoCode(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{name: "prose only", response: "I cannot help with that request."},
		{name: "empty", response: ""},
		{name: "non-terraform fence", response: "```python\nprint('hello')\n```"},
		{name: "unbalanced bare hcl", response: "resource \"aws_vpc\" \"main\" {\n  cidr_block = \"10.0.0.0/16\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.response)
			require.ErrorIs(t, err, ErrNoCode)
		})
	}
}

func TestExtractDeterministic(t *testing.T) {
	response := "**main.tf**\n```hcl\n" + vpcBlock + "```\n\n```hcl\n" + subnetBlock + "```\n"

	first, err := Extract(response)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Extract(response)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestLooksLikeHCLIgnoresBracesInStrings(t *testing.T) {
	code := "resource \"aws_iam_policy\" \"p\" {\n  policy = \"{\\\"Version\\\": \\\"2012-10-17\\\"}\"\n}\n"
	assert.True(t, looksLikeHCL(code))
}
