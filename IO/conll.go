// Package IO reads tagged corpora and turns them into neighbor-tagging batches.
package IO

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/danieldk/conllx"
	"github.com/pkg/errors"
)

// Sentence is one tagged sentence of a corpus.
type Sentence struct {
	Words []string
	Tags  []string
}

// Tag column layouts understood by ReadCoNLL.
const (
	TagNER       = "ner"
	TagPOS       = "pos"
	TagChunk     = "chunk"
	TagCoNLLXPOS = "conllx-pos"
)

// TagTypes lists the accepted tag_type values.
var TagTypes = []string{TagNER, TagPOS, TagChunk, TagCoNLLXPOS}

// columns returns the word and tag column of a CoNLL-2003 tag type; a
// negative tag column counts from the end of the line.
func columns(tagType string) (word, tag int, err error) {
	switch tagType {
	case TagNER:
		return 0, -1, nil
	case TagPOS:
		return 0, 1, nil
	case TagChunk:
		return 0, 2, nil
	}
	return 0, 0, errors.Errorf("unknown tag type %q", tagType)
}

// ReadCoNLL loads a whitespace-columned corpus with blank lines between
// sentences. -DOCSTART- lines are skipped. conllx-pos corpora are read as
// CoNLL-X, taking the form and fine-grained POS tag of each token.
func ReadCoNLL(path, tagType string, lowercase bool) ([]Sentence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open corpus %s", path)
	}
	defer f.Close()
	sents, err := ParseCoNLL(f, tagType, lowercase)
	if err != nil {
		return nil, errors.Wrapf(err, "read corpus %s", path)
	}
	return sents, nil
}

// ParseCoNLL is ReadCoNLL over a reader.
func ParseCoNLL(r io.Reader, tagType string, lowercase bool) ([]Sentence, error) {
	if tagType == TagCoNLLXPOS {
		return parseCoNLLX(r, lowercase)
	}
	wordCol, tagCol, err := columns(tagType)
	if err != nil {
		return nil, err
	}
	var (
		out []Sentence
		cur Sentence
	)
	flush := func() {
		if len(cur.Words) > 0 {
			out = append(out, cur)
		}
		cur = Sentence{}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "-DOCSTART-") {
			continue
		}
		fields := strings.Fields(line)
		tc := tagCol
		if tc < 0 {
			tc = len(fields) + tc
		}
		if wordCol >= len(fields) || tc < 0 || tc >= len(fields) || tc == wordCol {
			return nil, errors.Errorf("line %d: %d columns, need word column %d and tag column %d", lineNum, len(fields), wordCol, tc)
		}
		word := fields[wordCol]
		if lowercase {
			word = strings.ToLower(word)
		}
		cur.Words = append(cur.Words, word)
		cur.Tags = append(cur.Tags, fields[tc])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return out, nil
}

func parseCoNLLX(r io.Reader, lowercase bool) ([]Sentence, error) {
	rd := conllx.NewReader(bufio.NewReader(r))
	var out []Sentence
	for n := 1; ; n++ {
		toks, err := rd.ReadSentence()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "sentence %d", n)
		}
		if len(toks) == 0 {
			continue
		}
		sent := Sentence{
			Words: make([]string, len(toks)),
			Tags:  make([]string, len(toks)),
		}
		for i, tok := range toks {
			form, ok := tok.Form()
			if !ok {
				return nil, errors.Errorf("sentence %d token %d: no form", n, i+1)
			}
			tag, ok := tok.PosTag()
			if !ok {
				return nil, errors.Errorf("sentence %d token %d: no POS tag", n, i+1)
			}
			if lowercase {
				form = strings.ToLower(form)
			}
			sent.Words[i], sent.Tags[i] = form, tag
		}
		out = append(out, sent)
	}
}

// TagInventory returns the sorted set of tags used by sents.
func TagInventory(sents []Sentence) []string {
	seen := map[string]bool{}
	for _, s := range sents {
		for _, t := range s.Tags {
			seen[t] = true
		}
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
