package ratelimiter

import (
	"net/http"
	"strconv"
)

// Header names recognized for limit learning. Providers vary; these are
// the common OpenAI-shaped names.
const (
	headerRequestLimit     = "X-RateLimit-Limit-Requests"
	headerRequestRemaining = "X-RateLimit-Remaining-Requests"
	headerTokenLimit       = "X-RateLimit-Limit-Tokens"
	headerTokenRemaining   = "X-RateLimit-Remaining-Tokens"
)

// learnedLimits tracks the most recently observed request/token quotas for
// one State, so ratelimit:learned fires once per new (requestLimit,
// tokenLimit) pair and ratelimit:warning fires when remaining/limit drops
// below WarningRatio.
type learnedLimits struct {
	requestLimit *int
	tokenLimit   *int
}

// headerQuota is one (limit, remaining) pair parsed from response headers.
type headerQuota struct {
	limit     int
	remaining int
	ok        bool
}

func parseHeaderQuota(headers http.Header, limitHeader, remainingHeader string) headerQuota {
	limitStr := headers.Get(limitHeader)
	remainingStr := headers.Get(remainingHeader)
	if limitStr == "" || remainingStr == "" {
		return headerQuota{}
	}
	limit, err1 := strconv.Atoi(limitStr)
	remaining, err2 := strconv.Atoi(remainingStr)
	if err1 != nil || err2 != nil {
		return headerQuota{}
	}
	return headerQuota{limit: limit, remaining: remaining, ok: true}
}

// ratio returns remaining/limit, or 1.0 (never warns) if limit is 0.
func (q headerQuota) ratio() float64 {
	if !q.ok || q.limit == 0 {
		return 1.0
	}
	return float64(q.remaining) / float64(q.limit)
}

// observe folds a new header reading into l, returning the (requestLimit,
// tokenLimit) pair to emit as ratelimit:learned if it's new, and the ratios
// to check against WarningRatio. Any return value may be nil if that
// header pair wasn't present in this response.
func (l *learnedLimits) observe(headers http.Header) (learnedReq, learnedTok *int, reqRatio, tokRatio *float64) {
	if headers == nil {
		return nil, nil, nil, nil
	}

	reqQuota := parseHeaderQuota(headers, headerRequestLimit, headerRequestRemaining)
	tokQuota := parseHeaderQuota(headers, headerTokenLimit, headerTokenRemaining)

	if reqQuota.ok {
		r := reqQuota.ratio()
		reqRatio = &r
		if l.requestLimit == nil || *l.requestLimit != reqQuota.limit {
			v := reqQuota.limit
			l.requestLimit = &v
			learnedReq = &v
		}
	}
	if tokQuota.ok {
		r := tokQuota.ratio()
		tokRatio = &r
		if l.tokenLimit == nil || *l.tokenLimit != tokQuota.limit {
			v := tokQuota.limit
			l.tokenLimit = &v
			learnedTok = &v
		}
	}

	return learnedReq, learnedTok, reqRatio, tokRatio
}
