// Package pipeline builds the aggregation pipelines behind the insights
// endpoints and formats their raw output.
package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Patterns shared by ReconstructDate and DateExpr. Both must stay in sync.
const (
	isoDatePattern = `^(\d{4})-(\d{1,2})-(\d{1,2})`
	dmyDatePattern = `^(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})`
)

var (
	isoDateRe = regexp.MustCompile(isoDatePattern)
	dmyDateRe = regexp.MustCompile(dmyDatePattern)
)

// DateField is the temporary field the overview and month builders write the
// reconstructed date into.
const DateField = "_date"

// ReconstructDate derives a comparable YYYY-MM-DD date. The canonical ISO
// field wins; otherwise the raw text is read as ISO-like, then as
// day/month/year. Month must be 1-12 and day 1-31. ok is false when neither
// source parses.
func ReconstructDate(iso, raw string) (string, bool) {
	if d, ok := fromCaptures(isoDateRe.FindStringSubmatch(strings.TrimSpace(iso)), 1, 2, 3); ok {
		return d, true
	}
	raw = strings.TrimSpace(raw)
	if d, ok := fromCaptures(isoDateRe.FindStringSubmatch(raw), 1, 2, 3); ok {
		return d, true
	}
	return fromCaptures(dmyDateRe.FindStringSubmatch(raw), 3, 2, 1)
}

func fromCaptures(m []string, y, mo, d int) (string, bool) {
	if m == nil {
		return "", false
	}
	month, _ := strconv.Atoi(m[mo])
	day, _ := strconv.Atoi(m[d])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	return fmt.Sprintf("%s-%02d-%02d", m[y], month, day), true
}

// DateExpr is the aggregation-expression twin of ReconstructDate over the
// given document fields. It evaluates to a YYYY-MM-DD string or null.
func DateExpr(isoField, rawField string) bson.M {
	return bson.M{"$let": bson.M{
		"vars": bson.M{
			"iso":    bson.M{"$regexFind": bson.M{"input": asTrimmedString("$" + isoField), "regex": isoDatePattern}},
			"rawIso": bson.M{"$regexFind": bson.M{"input": asTrimmedString("$" + rawField), "regex": isoDatePattern}},
			"rawDmy": bson.M{"$regexFind": bson.M{"input": asTrimmedString("$" + rawField), "regex": dmyDatePattern}},
		},
		"in": bson.M{"$ifNull": bson.A{
			matchToDate("$$iso", 0, 1, 2),
			matchToDate("$$rawIso", 0, 1, 2),
			matchToDate("$$rawDmy", 2, 1, 0),
		}},
	}}
}

// MonthExpr extracts YYYY-MM from a reconstructed date expression.
func MonthExpr(date any) bson.M {
	return bson.M{"$substrBytes": bson.A{date, 0, 7}}
}

func asTrimmedString(path string) bson.M {
	return bson.M{"$trim": bson.M{"input": bson.M{"$convert": bson.M{
		"input":   path,
		"to":      "string",
		"onError": "",
		"onNull":  "",
	}}}}
}

// matchToDate turns a $regexFind result into a date string, checking month
// and day ranges. Capture indexes are zero-based.
func matchToDate(match string, y, mo, d int) bson.M {
	capture := func(i int) bson.M {
		return bson.M{"$arrayElemAt": bson.A{match + ".captures", i}}
	}
	return bson.M{"$cond": bson.A{
		bson.M{"$eq": bson.A{match, nil}},
		nil,
		bson.M{"$let": bson.M{
			"vars": bson.M{
				"y":  capture(y),
				"mo": bson.M{"$toInt": capture(mo)},
				"d":  bson.M{"$toInt": capture(d)},
			},
			"in": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$gte": bson.A{"$$mo", 1}},
					bson.M{"$lte": bson.A{"$$mo", 12}},
					bson.M{"$gte": bson.A{"$$d", 1}},
					bson.M{"$lte": bson.A{"$$d", 31}},
				}},
				bson.M{"$concat": bson.A{"$$y", "-", zeroPad("$$mo"), "-", zeroPad("$$d")}},
				nil,
			}},
		}},
	}}
}

func zeroPad(v string) bson.M {
	return bson.M{"$cond": bson.A{
		bson.M{"$lt": bson.A{v, 10}},
		bson.M{"$concat": bson.A{"0", bson.M{"$toString": v}}},
		bson.M{"$toString": v},
	}}
}
