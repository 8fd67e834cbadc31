package IO

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Vocabulary splits words into encoder token ids. Id 0 is reserved for
// padding by every implementation.
type Vocabulary interface {
	// Pieces returns the ids of the sub-word pieces of word, never empty.
	Pieces(word string) []int
	CLS() int
	SEP() int
	Size() int
}

const (
	padToken = "[PAD]"
	unkToken = "[UNK]"
	clsToken = "[CLS]"
	sepToken = "[SEP]"
)

// Special tokens kept at the start of a word vocabulary, padding first.
var special = []string{padToken, unkToken, clsToken, sepToken}

// WordVocab maps whole words to ids; every word is a single piece.
type WordVocab struct {
	TokenToID map[string]int
	IDToToken []string
}

// BuildWordVocab collects the words of sents, most frequent first. size
// caps the vocabulary including the special tokens; 0 keeps every word.
func BuildWordVocab(sents []Sentence, size int) (*WordVocab, error) {
	counts := make(map[string]int, 1<<12)
	for _, s := range sents {
		for _, w := range s.Words {
			counts[w]++
		}
	}
	return buildFixedVocabFromCounts(counts, size)
}

func buildFixedVocabFromCounts(cnt map[string]int, size int) (*WordVocab, error) {
	if size != 0 && size < len(special) {
		return nil, errors.Errorf("vocab size %d below the %d special tokens", size, len(special))
	}
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(cnt))
	for k, v := range cnt {
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})

	v := &WordVocab{
		TokenToID: make(map[string]int, len(arr)+len(special)),
		IDToToken: append([]string{}, special...),
	}
	for i, t := range special {
		v.TokenToID[t] = i
	}
	for _, p := range arr {
		if size != 0 && len(v.IDToToken) >= size {
			break
		}
		if _, dup := v.TokenToID[p.k]; dup || p.k == "" {
			continue
		}
		v.TokenToID[p.k] = len(v.IDToToken)
		v.IDToToken = append(v.IDToToken, p.k)
	}
	return v, nil
}

func (v *WordVocab) Pieces(word string) []int {
	if id, ok := v.TokenToID[word]; ok {
		return []int{id}
	}
	return []int{v.TokenToID[unkToken]}
}

func (v *WordVocab) CLS() int  { return v.TokenToID[clsToken] }
func (v *WordVocab) SEP() int  { return v.TokenToID[sepToken] }
func (v *WordVocab) Size() int { return len(v.IDToToken) }

// ExportVocabJSON writes the vocabulary so a later run can reuse its ids.
func (v *WordVocab) ExportVocabJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create vocab %s", path)
	}
	defer f.Close()
	data := map[string]any{
		"TokenToID": v.TokenToID,
		"IDToToken": v.IDToToken,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// ImportVocabJSON loads a vocabulary written by ExportVocabJSON.
func ImportVocabJSON(path string) (*WordVocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open vocab %s", path)
	}
	defer f.Close()
	var data struct {
		TokenToID map[string]int `json:"TokenToID"`
		IDToToken []string       `json:"IDToToken"`
	}
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return nil, errors.Wrapf(err, "decode vocab %s", path)
	}
	if len(data.IDToToken) < len(special) {
		return nil, errors.Errorf("vocab %s has %d tokens", path, len(data.IDToToken))
	}
	for i, t := range special {
		if data.TokenToID[t] != i || data.IDToToken[i] != t {
			return nil, errors.Errorf("vocab %s: %s must have id %d", path, t, i)
		}
	}
	return &WordVocab{TokenToID: data.TokenToID, IDToToken: data.IDToToken}, nil
}

// SubwordVocab wraps a pretrained tokenizer.json (WordPiece or BPE).
type SubwordVocab struct {
	tok                *tk.Tokenizer
	size               int
	pad, unk, cls, sep int
}

var (
	padCandidates = []string{"[PAD]", "<pad>"}
	unkCandidates = []string{"[UNK]", "<unk>"}
	clsCandidates = []string{"[CLS]", "<s>", "<bos>"}
	sepCandidates = []string{"[SEP]", "</s>", "<eos>"}
)

// LoadSubwordVocab reads a tokenizer file. Its padding token must have id 0.
func LoadSubwordVocab(path string) (*SubwordVocab, error) {
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load tokenizer %s", path)
	}
	vocab := t.GetVocab(true)
	lookup := func(cands []string) (int, error) {
		for _, c := range cands {
			if id, ok := vocab[c]; ok {
				return id, nil
			}
		}
		return 0, errors.Errorf("tokenizer %s has none of %v", path, cands)
	}
	v := &SubwordVocab{tok: t, size: len(vocab)}
	if v.pad, err = lookup(padCandidates); err != nil {
		return nil, err
	}
	if v.pad != 0 {
		return nil, errors.Errorf("tokenizer %s: padding id is %d, want 0", path, v.pad)
	}
	if v.unk, err = lookup(unkCandidates); err != nil {
		return nil, err
	}
	if v.cls, err = lookup(clsCandidates); err != nil {
		return nil, err
	}
	if v.sep, err = lookup(sepCandidates); err != nil {
		return nil, err
	}
	for _, id := range vocab {
		v.size = max(v.size, id+1)
	}
	return v, nil
}

func (v *SubwordVocab) Pieces(word string) []int {
	enc, err := v.tok.EncodeSingle(word)
	if err != nil {
		return []int{v.unk}
	}
	out := make([]int, 0, len(enc.Ids))
	for _, id := range enc.Ids {
		id := int(id)
		if id == v.pad || id == v.cls || id == v.sep {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return []int{v.unk}
	}
	return out
}

func (v *SubwordVocab) CLS() int  { return v.cls }
func (v *SubwordVocab) SEP() int  { return v.sep }
func (v *SubwordVocab) Size() int { return v.size }
