package byteestimate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestEstimateChunk_Text(t *testing.T) {
	c := Chunk{Kind: ChunkEncodedText, TokenIDs: make([]int32, 37)}
	assert.Equal(t, 370, EstimateChunk(c))
}

func TestEstimateChunk_Image(t *testing.T) {
	c := Chunk{Kind: ChunkImage, ImageData: make([]byte, 4096)}
	assert.Equal(t, 4096, EstimateChunk(c))
}

func TestEstimateChunk_AssetPointer(t *testing.T) {
	c := Chunk{Kind: ChunkImageAssetPointer, Location: "s3://bucket/key"}
	assert.Equal(t, len("s3://bucket/key"), EstimateChunk(c))
}

func TestEstimateDatum_SumsInputAndLoss(t *testing.T) {
	d := Datum{
		ModelInput: ModelInput{
			{Kind: ChunkEncodedText, TokenIDs: make([]int32, 10)},
		},
		LossFnInputs: LossFnInputs{
			"weights": {ElementCount: 5},
		},
	}
	assert.Equal(t, 100+50, EstimateDatum(d))
}

func datumGen() *rapid.Generator[Datum] {
	return rapid.Custom(func(t *rapid.T) Datum {
		n := rapid.IntRange(0, 5).Draw(t, "numTokens")
		return Datum{
			ModelInput: ModelInput{
				{Kind: ChunkEncodedText, TokenIDs: make([]int32, n)},
			},
		}
	})
}

// Property 8: byte_estimator(concat(a, b)) == byte_estimator(a) + byte_estimator(b)
func TestEstimateDatums_Additive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.SliceOfN(datumGen(), 0, 10).Draw(rt, "a")
		b := rapid.SliceOfN(datumGen(), 0, 10).Draw(rt, "b")

		combined := append(append([]Datum{}, a...), b...)
		assert.Equal(rt, EstimateDatums(a)+EstimateDatums(b), EstimateDatums(combined))
	})
}
