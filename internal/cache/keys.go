package cache

import "strings"

// KeyPromoCode is the cache key for a promo code lookup. Codes are case-insensitive.
func KeyPromoCode(code string) string {
	return "promo:code:" + strings.ToUpper(strings.TrimSpace(code))
}

// KeyTaxRate is the cache key for the resolved tax rate of a country. An
// empty country maps to the default rate.
func KeyTaxRate(country string) string {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		country = "default"
	}
	return "tax:rate:" + country
}

// KeyCourse is the cache key for a published course.
func KeyCourse(id string) string {
	return "catalog:course:" + strings.ToLower(strings.TrimSpace(id))
}

// KeyCourseListFirstPage caches the unfiltered first page of the catalog.
const KeyCourseListFirstPage = "catalog:courses:list:first"
