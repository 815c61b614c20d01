package x402

// RequirementSelector chooses which offered requirement to pay.
// accepts is never empty when a selector is called.
type RequirementSelector func(accepts []PaymentRequirement, preferredNetworks []string) PaymentRequirement

// SelectRequirement picks a requirement from a challenge's accepts list.
//
// Preferred networks are tried in order; for each, the first exact-scheme
// requirement on that network wins. With no match the first offered
// requirement is returned.
func SelectRequirement(accepts []PaymentRequirement, preferredNetworks []string) (PaymentRequirement, error) {
	if len(accepts) == 0 {
		return PaymentRequirement{}, NewPaymentError(ErrCodeMissingRequirements, "challenge offers no payment requirements", nil)
	}
	return DefaultSelector(accepts, preferredNetworks), nil
}

// DefaultSelector is the preference-ordered exact-scheme policy
func DefaultSelector(accepts []PaymentRequirement, preferredNetworks []string) PaymentRequirement {
	if len(preferredNetworks) == 0 {
		preferredNetworks = DefaultPreferredNetworks
	}

	for _, network := range preferredNetworks {
		for _, req := range accepts {
			if string(req.Network) == network && req.Scheme == SchemeExact {
				return req
			}
		}
	}

	return accepts[0]
}
