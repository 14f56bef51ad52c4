package heap

// pushPage links a page at the front of the list whose head variable is
// *list.
func pushPage(list **pageMeta, page *pageMeta) {
	if *list != nil {
		(*list).prevNext = &page.next
	}
	page.next = *list
	page.prevNext = list
	*list = page
}

// removePage unlinks a page from whatever list it is currently on. The
// prevNext slot of the successor is patched so that the list stays
// consistent no matter whether the page was the head.
func removePage(page *pageMeta) {
	*page.prevNext = page.next
	if page.next != nil {
		page.next.prevNext = page.prevNext
	}
}
