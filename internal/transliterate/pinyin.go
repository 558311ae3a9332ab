package transliterate

import (
	"strings"
)

// pinyinTable maps common CJK ideographs found in patient names to their
// pinyin reading. Unmapped ideographs fall back to an empty syllable and are
// skipped; this table covers the hundred most frequent Chinese surnames and
// given-name characters.
var pinyinTable = map[rune]string{
	'王': "wang", '李': "li", '张': "zhang", '刘': "liu", '陈': "chen",
	'杨': "yang", '赵': "zhao", '黄': "huang", '周': "zhou", '吴': "wu",
	'徐': "xu", '孙': "sun", '胡': "hu", '朱': "zhu", '高': "gao",
	'林': "lin", '何': "he", '郭': "guo", '马': "ma", '罗': "luo",
	'梁': "liang", '宋': "song", '郑': "zheng", '谢': "xie", '韩': "han",
	'唐': "tang", '冯': "feng", '于': "yu", '董': "dong", '萧': "xiao",
	'程': "cheng", '曹': "cao", '袁': "yuan", '邓': "deng", '许': "xu",
	'傅': "fu", '沈': "shen", '曾': "zeng", '彭': "peng", '吕': "lv",
	'苏': "su", '卢': "lu", '蒋': "jiang", '蔡': "cai", '贾': "jia",
	'丁': "ding", '魏': "wei", '薛': "xue", '叶': "ye", '阎': "yan",
	'余': "yu", '潘': "pan", '杜': "du", '戴': "dai", '夏': "xia",
	'钟': "zhong", '汪': "wang", '田': "tian", '任': "ren", '姜': "jiang",
	'范': "fan", '方': "fang", '石': "shi", '姚': "yao", '谭': "tan",
	'廖': "liao", '邹': "zou", '熊': "xiong", '金': "jin", '陆': "lu",
	'郝': "hao", '孔': "kong", '白': "bai", '崔': "cui", '康': "kang",
	'毛': "mao", '邱': "qiu", '秦': "qin", '江': "jiang", '史': "shi",
	'顾': "gu", '侯': "hou", '邵': "shao", '孟': "meng", '龙': "long",
	'万': "wan", '段': "duan", '钱': "qian", '汤': "tang", '尹': "yin",
	'黎': "li", '易': "yi", '常': "chang", '武': "wu", '乔': "qiao",
	'贺': "he", '赖': "lai", '龚': "gong", '文': "wen",
	'伟': "wei", '芳': "fang", '娜': "na", '敏': "min", '静': "jing",
	'丽': "li", '强': "qiang", '磊': "lei", '军': "jun", '洋': "yang",
	'勇': "yong", '艳': "yan", '杰': "jie", '娟': "juan", '涛': "tao",
	'明': "ming", '超': "chao", '秀': "xiu", '霞': "xia", '平': "ping",
	'刚': "gang", '桂': "gui", '英': "ying", '华': "hua", '玉': "yu",
	'梅': "mei", '红': "hong", '建': "jian", '国': "guo", '春': "chun",
	'小': "xiao", '海': "hai", '云': "yun", '飞': "fei", '龑': "yan",
	'三': "san", '四': "si", '五': "wu", '大': "da", '东': "dong",
}

// HasIdeographs reports whether s contains CJK unified ideographs.
func HasIdeographs(s string) bool {
	for _, r := range s {
		if isIdeograph(r) {
			return true
		}
	}
	return false
}

func isIdeograph(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || (r >= 0x3400 && r <= 0x4DBF)
}

// PersonName transliterates a DICOM person name into pinyin syllables joined
// with the component separator, first syllable capitalized, e.g. "张伟"
// becomes "Zhang^wei". Non-ideographic runs are kept verbatim as their own
// components. The result is deterministic so repeated queries return the same
// spelling.
func PersonName(name string) string {
	if !HasIdeographs(name) {
		return name
	}

	var syllables []string
	var ascii strings.Builder
	flush := func() {
		if ascii.Len() > 0 {
			syllables = append(syllables, ascii.String())
			ascii.Reset()
		}
	}

	for _, r := range name {
		switch {
		case isIdeograph(r):
			flush()
			if p, ok := pinyinTable[r]; ok {
				syllables = append(syllables, p)
			}
		case r == '^' || r == '=':
			flush()
		default:
			ascii.WriteRune(r)
		}
	}
	flush()

	if len(syllables) == 0 {
		return name
	}
	syllables[0] = capitalize(syllables[0])
	return strings.Join(syllables, "^")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
